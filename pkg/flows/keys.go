package flows

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/polisai/netopt/pkg/domain"
)

// FlowKey identifies an installed flow by what it matches and what it does.
// The device is deliberately excluded so a reroute that moves to another
// switch replaces the previous rule.
func FlowKey(match domain.FlowMatch, action domain.IntentAction) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d", action, match.SrcIP, match.DstIP, strings.ToLower(match.Protocol), match.DstPort)
	sum := sha256.Sum256([]byte(raw))
	return string(action) + ":" + hex.EncodeToString(sum[:8])
}

// Fingerprint summarises the device-level shape of an intent. Two intents
// with equal fingerprints program identical rules.
func Fingerprint(intent domain.FlowIntent) string {
	raw := fmt.Sprintf("%s|%s|%s|%d|%d|%s",
		intent.DeviceID, intent.OutPort, strings.Join(intent.Path, ","), intent.QueueID, intent.Priority, intent.Action)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:12])
}

// RuleActions translates an intent into device instructions.
func RuleActions(intent domain.FlowIntent) []domain.FlowRuleAction {
	switch intent.Action {
	case domain.IntentReroute:
		return []domain.FlowRuleAction{{Type: "OUTPUT", Port: intent.OutPort}}
	case domain.IntentQoS:
		actions := []domain.FlowRuleAction{{Type: "QUEUE", Queue: intent.QueueID}}
		if intent.OutPort != "" {
			actions = append(actions, domain.FlowRuleAction{Type: "OUTPUT", Port: intent.OutPort})
		}
		return actions
	case domain.IntentIsolate:
		return []domain.FlowRuleAction{{Type: "DROP"}}
	default:
		return nil
	}
}

// keyedMutex serialises work per flow key and frees idle locks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
