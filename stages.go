package stagehand

import (
	"context"
	"fmt"
	"sync"
)

// TypedStage wraps a strongly-typed function into a StageFunc, tagging its
// output with outKind. Example:
//
//	stagehand.TypedStage("plan", func(ctx context.Context, p stagehand.Provider, in Intent) (Plan, error) { ... })
func TypedStage[I, O any](outKind string, fn func(context.Context, Provider, I) (O, error)) StageFunc {
	return func(ctx context.Context, provider Provider, in Payload) (Payload, error) {
		v, ok := in.Value.(I)
		if !ok {
			var want I
			return Payload{}, fmt.Errorf("stagehand: payload value is %T, want %T", in.Value, want)
		}
		out, err := fn(ctx, provider, v)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: outKind, Value: out}, nil
	}
}

// FanOutStage runs all sub-functions concurrently against the same input and
// merges their outputs into one payload of outKind. The fan-out is a single
// stage from the executor's viewpoint: one attempt, one checkpoint.
//
// The first sub-function error fails the whole stage; its classification
// (transient or fatal) is preserved for the retry policy.
func FanOutStage(outKind string, merge func([]Payload) (any, error), subs ...StageFunc) StageFunc {
	return func(ctx context.Context, provider Provider, in Payload) (Payload, error) {
		results := make([]Payload, len(subs))
		errs := make([]error, len(subs))

		var wg sync.WaitGroup
		for i, sub := range subs {
			i, sub := i, sub
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = sub(ctx, provider, in)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				return Payload{}, err
			}
		}

		value, err := merge(results)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: outKind, Value: value}, nil
	}
}

// ProviderStage returns a stage that forwards its input to the provider as a
// single operation call and tags the response with outKind. It is the common
// case of a stage that is nothing but one provider invocation.
func ProviderStage(operation, outKind string) StageFunc {
	return func(ctx context.Context, provider Provider, in Payload) (Payload, error) {
		if provider == nil {
			return Payload{}, fmt.Errorf("stagehand: stage requires a provider for operation %q", operation)
		}
		resp, err := provider.Invoke(ctx, ProviderRequest{Operation: operation, Input: in.Value})
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: outKind, Value: resp.Output}, nil
	}
}
