package semantic

import (
	"fmt"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"
)

// buildConditions translates the filter grammar into qdrant conditions.
// Keys suffixed `_min` / `_max` become range bounds on the base field; all
// other keys are equality matches typed by their Go value.
func buildConditions(filters Filters) []*pb.Condition {
	if len(filters) == 0 {
		return nil
	}

	ranges := make(map[string]*pb.Range)
	var out []*pb.Condition

	for key, val := range filters {
		switch {
		case strings.HasSuffix(key, "_min"):
			field := strings.TrimSuffix(key, "_min")
			r := ranges[field]
			if r == nil {
				r = &pb.Range{}
				ranges[field] = r
			}
			if f, ok := toFloat(val); ok {
				r.Gte = &f
			}
		case strings.HasSuffix(key, "_max"):
			field := strings.TrimSuffix(key, "_max")
			r := ranges[field]
			if r == nil {
				r = &pb.Range{}
				ranges[field] = r
			}
			if f, ok := toFloat(val); ok {
				r.Lte = &f
			}
		default:
			out = append(out, equalityMatch(key, val))
		}
	}

	for field, r := range ranges {
		out = append(out, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{Key: field, Range: r},
			},
		})
	}
	return out
}

func equalityMatch(key string, val any) *pb.Condition {
	switch tv := val.(type) {
	case int:
		return integerMatch(key, int64(tv))
	case int64:
		return integerMatch(key, tv)
	case float64:
		// JSON numbers decode as float64; whole values match integer fields.
		if tv == float64(int64(tv)) {
			return integerMatch(key, int64(tv))
		}
		f := tv
		return &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{Key: key, Range: &pb.Range{Gte: &f, Lte: &f}},
			},
		}
	case bool:
		return &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   key,
					Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: tv}},
				},
			},
		}
	default:
		return keywordMatch(key, toString(val))
	}
}

func keywordMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func integerMatch(key string, value int64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Integer{Integer: value}},
			},
		},
	}
}

func toFloat(val any) (float64, bool) {
	switch tv := val.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	}
	return 0, false
}

func toString(val any) string {
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprint(val)
}
