package generate

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Hybrid concatenates the library batch with the AI batch. AI questions whose
// key the library already supplies are dropped.
type Hybrid struct {
	Library Generator
	AI      Generator
}

func (h Hybrid) Name() string { return "hybrid" }

func (h Hybrid) Generate(ctx context.Context, req Request) (Result, error) {
	var (
		library, ai       Result
		libraryErr, aiErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		library, libraryErr = h.Library.Generate(gctx, req)
		return nil
	})
	g.Go(func() error {
		ai, aiErr = h.AI.Generate(gctx, req)
		return nil
	})
	_ = g.Wait()

	if libraryErr != nil && aiErr != nil {
		return Result{}, errors.Join(libraryErr, aiErr)
	}
	return Result{
		Questions:       concatQuestions(library.Questions, ai.Questions),
		Recommendations: concat(library.Recommendations, ai.Recommendations),
	}, nil
}

func concatQuestions(primary, secondary any) []any {
	out := concat(primary, nil)
	seen := make(map[string]struct{}, len(out))
	for _, q := range out {
		if key := questionKey(q); key != "" {
			seen[key] = struct{}{}
		}
	}
	for _, q := range concat(secondary, nil) {
		if key := questionKey(q); key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, q)
	}
	return out
}

func questionKey(q any) string {
	record, ok := q.(map[string]any)
	if !ok {
		return ""
	}
	key, _ := record["key"].(string)
	return strings.ToLower(strings.TrimSpace(key))
}

func concat(a, b any) []any {
	out := []any{}
	for _, v := range []any{a, b} {
		switch items := v.(type) {
		case []any:
			out = append(out, items...)
		case []map[string]any:
			for _, item := range items {
				out = append(out, item)
			}
		case nil:
		default:
			out = append(out, items)
		}
	}
	return out
}
