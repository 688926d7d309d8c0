package policy

import "github.com/polisai/netopt/pkg/domain"

// Verdict aggregates the admission outcome of an ordered evaluation.
type Verdict struct {
	Denied      bool
	DeniedBy    string
	Reason      string
	Annotations map[string]any
	Priority    *int
	TTLSeconds  *int
}

// Summarize folds ordered outcomes into a Verdict. The first deny wins and
// annotations from higher-priority policies take precedence.
func Summarize(outcomes []PolicyOutcome) Verdict {
	var v Verdict
	for _, outcome := range outcomes {
		for _, res := range outcome.Results {
			if !res.OK {
				continue
			}
			switch res.Output[outputVerdict] {
			case verdictDeny:
				if !v.Denied {
					v.Denied = true
					v.DeniedBy = outcome.Policy.ID
					v.Reason, _ = res.Output[outputReason].(string)
				}
			case verdictAnnotate:
				annotations, _ := res.Output[outputAnnotations].(map[string]any)
				v.merge(annotations)
			}
		}
	}
	return v
}

func (v *Verdict) merge(annotations map[string]any) {
	for key, value := range annotations {
		switch key {
		case "priority":
			if v.Priority == nil {
				if f, ok := toFloat(value); ok {
					n := int(f)
					v.Priority = &n
				}
			}
			continue
		case "ttl_seconds":
			if v.TTLSeconds == nil {
				if f, ok := toFloat(value); ok && f > 0 {
					n := int(f)
					v.TTLSeconds = &n
				}
			}
			continue
		}
		if v.Annotations == nil {
			v.Annotations = make(map[string]any)
		}
		if _, exists := v.Annotations[key]; !exists {
			v.Annotations[key] = domain.CloneValue(value)
		}
	}
}
