package ops

import (
	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"
)

// ApplyBatch applies operations in input order. The first failure is
// returned unchanged and no results are returned with it; operations after
// it are not attempted. Entries are independent: each carries its own CDP.
func ApplyBatch(operations []Operation, ctx Context) ([]Result, error) {
	results := make([]Result, 0, len(operations))
	for _, op := range operations {
		res, err := Apply(op, ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Step is one operation in a chain against the same CDP.
type Step struct {
	Kind      Kind
	Amount    fpmath.Amount
	Actor     string
	Timestamp fpmath.Timestamp
}

// ApplyChain applies steps sequentially to start, feeding each step's
// updated CDP into the next. Failure semantics match ApplyBatch.
func ApplyChain(start cdp.CDP, steps []Step, ctx Context) ([]Result, error) {
	results := make([]Result, 0, len(steps))
	current := start
	for _, step := range steps {
		res, err := Apply(Operation{
			Kind: step.Kind,
			Params: Params{
				CDP:       current,
				Amount:    step.Amount,
				Actor:     step.Actor,
				Timestamp: step.Timestamp,
			},
		}, ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		current = res.UpdatedCDP
	}
	return results, nil
}
