// Package tabs maps dashboard tabs to the metric names they display.
package tabs

import "strings"

// Key identifies a tab.
type Key string

// Tab keys.
const (
	Training    Key = "training"
	System      Key = "system"
	Model       Key = "model"
	Checkpoints Key = "checkpoints"
	Progress    Key = "progress"
)

// Tab describes which metrics belong on a tab.
type Tab struct {
	Key      Key
	Label    string
	Prefixes []string // matched in order; first hit wins
	Known    []string // shown when the live data has no match yet
}

// Table is the static tab configuration, in display order.
var Table = []Tab{
	{
		Key:   Training,
		Label: "Training",
		Prefixes: []string{
			"loss", "validation_", "null_router_loss", "moe_router_loss",
			"token_per_sec", "batch_per_sec", "total_tokens", "lr", "grad_",
		},
		Known: []string{
			"loss_t1", "loss_t2", "null_router_loss", "moe_router_loss",
			"validation_loss", "token_per_sec", "batch_per_sec", "total_tokens",
		},
	},
	{
		Key:      System,
		Label:    "System",
		Prefixes: []string{"sys.", "gpu_", "cpu_"},
		Known: []string{
			"sys.gpu.0.util_percent", "sys.gpu.1.util_percent",
			"sys.cpu_percent", "gpu_idle_time", "cpu_idle_time",
			"sys.net.0.sent_bytes_per_s",
		},
	},
	{
		Key:   Model,
		Label: "Model",
		Prefixes: []string{
			"null_ratio", "gsa_", "recurrence_", "mhc_",
			"moe_favourite", "moe_fourier", "current_bucket",
		},
		Known: []string{
			"null_ratio", "gsa_attention", "recurrence_depth", "mhc_score",
			"moe_favourite_tokens", "moe_fourier_weight", "current_bucket",
		},
	},
	{
		Key:      Checkpoints,
		Label:    "Checkpoints",
		Prefixes: []string{"checkpoint_"},
	},
	{
		Key:      Progress,
		Label:    "Progress",
		Prefixes: []string{"time_to_"},
		Known:    []string{"time_to_b1", "time_to_b2", "time_to_3b", "time_to_8b", "time_to_70b", "time_to_sft"},
	},
}

// Lookup returns the tab for key.
func Lookup(key Key) (Tab, bool) {
	for _, t := range Table {
		if t.Key == key {
			return t, true
		}
	}
	return Tab{}, false
}

// Match reports whether metric belongs on the tab identified by key.
// Unknown keys match nothing.
func Match(metric string, key Key) bool {
	t, ok := Lookup(key)
	if !ok {
		return false
	}
	return t.Match(metric)
}

// Match reports whether metric starts with any of the tab's prefixes.
func (t Tab) Match(metric string) bool {
	for _, p := range t.Prefixes {
		if strings.HasPrefix(metric, p) {
			return true
		}
	}
	return false
}

// Keys returns all tab keys in display order.
func Keys() []Key {
	out := make([]Key, len(Table))
	for i, t := range Table {
		out[i] = t.Key
	}
	return out
}
