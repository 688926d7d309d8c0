package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/storage"
)

// PolicyFile is the seed file layout. A bare YAML list of policies is also
// accepted.
type PolicyFile struct {
	Policies []domain.Policy `yaml:"policies"`
}

// LoadPolicyFile reads and validates a policy seed file. Every policy needs a
// unique id so reloads update in place.
func LoadPolicyFile(path string) ([]domain.Policy, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	policies, err := ParsePolicies(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policies, nil
}

// ParsePolicies decodes and validates seed policies.
func ParsePolicies(data []byte) ([]domain.Policy, error) {
	var policies []domain.Policy
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, nil
	case trimmed[0] == '-' || trimmed[0] == '[':
		if err := yaml.Unmarshal(data, &policies); err != nil {
			return nil, fmt.Errorf("parse policies: %w", err)
		}
	default:
		var file PolicyFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse policies: %w", err)
		}
		policies = file.Policies
	}

	seen := make(map[string]struct{}, len(policies))
	for i := range policies {
		p := &policies[i]
		if strings.TrimSpace(p.ID) == "" {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("policies[%d].id", i), Reason: "seed policies require an id"}
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("policies[%d]: %s: %w", i, p.ID, domain.ErrDuplicateID)
		}
		seen[p.ID] = struct{}{}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}
	return policies, nil
}

// SeedResult counts the store mutations of one seed pass.
type SeedResult struct {
	Created int
	Updated int
	Deleted int
}

// SeedPolicies upserts policies by id. Ids in previous that are absent from
// policies are deleted, so a seed file owns exactly the policies it lists.
func SeedPolicies(ctx context.Context, store storage.PolicyStore, policies []domain.Policy, previous map[string]struct{}) (SeedResult, error) {
	var res SeedResult
	current := make(map[string]struct{}, len(policies))

	for _, p := range policies {
		current[p.ID] = struct{}{}
		_, err := store.Get(ctx, p.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if _, err := store.Create(ctx, p); err != nil {
				return res, fmt.Errorf("create policy %s: %w", p.ID, err)
			}
			res.Created++
		case err != nil:
			return res, fmt.Errorf("get policy %s: %w", p.ID, err)
		default:
			if _, err := store.Update(ctx, p.ID, fullPatch(p)); err != nil {
				return res, fmt.Errorf("update policy %s: %w", p.ID, err)
			}
			res.Updated++
		}
	}

	for id := range previous {
		if _, ok := current[id]; ok {
			continue
		}
		existed, err := store.Delete(ctx, id)
		if err != nil {
			return res, fmt.Errorf("delete policy %s: %w", id, err)
		}
		if existed {
			res.Deleted++
		}
	}
	return res, nil
}

func fullPatch(p domain.Policy) domain.PolicyPatch {
	conditions := p.Conditions
	actions := p.Actions
	tags := p.Tags
	if conditions == nil {
		conditions = []domain.Condition{}
	}
	if actions == nil {
		actions = []domain.Action{}
	}
	if tags == nil {
		tags = []string{}
	}
	return domain.PolicyPatch{
		Name:        &p.Name,
		Domain:      &p.Domain,
		Description: &p.Description,
		Conditions:  &conditions,
		Actions:     &actions,
		Priority:    &p.Priority,
		Enabled:     &p.Enabled,
		Tags:        &tags,
	}
}
