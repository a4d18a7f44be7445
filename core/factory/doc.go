// Package factory instantiates pluggable backends (metrics sinks, audit
// stores) from configuration. A backend is selected by a type name and
// receives its own raw settings map, decoded with json tags.
//
//	reg := factory.NewRegistry[metrics.MetricsSink]()
//	reg.Register("influx", func(conf map[string]any) (metrics.MetricsSink, error) {
//	    var c influxConf
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return newInflux(c)
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "influx", Conf: raw})
package factory
