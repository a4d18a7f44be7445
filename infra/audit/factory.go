package audit

import (
	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/factory"
)

var stores = factory.NewRegistry[dispatch.AuditStore]()

func init() {
	stores.MustRegister("jsonl", func(conf map[string]any) (dispatch.AuditStore, error) {
		var c JSONLConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewJSONLStore(c)
	})
	stores.MustRegister("sqlite", func(conf map[string]any) (dispatch.AuditStore, error) {
		var c struct {
			Path string `json:"path"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			c.Path = "data/commands.db"
		}
		return NewSQLiteStore(c.Path)
	})
}

// NewStore builds the configured audit store. An empty type disables
// auditing and returns nil.
func NewStore(cfg factory.ModuleConfig) (dispatch.AuditStore, error) {
	if cfg.Type == "" || cfg.Type == "none" {
		return nil, nil
	}
	return stores.Create(cfg)
}

// Types lists the available store types.
func Types() []string { return stores.Types() }
