package main

import (
	"encoding/json"
	"io"

	"github.com/cuemby/configcore/pkg/configcore"
	"gopkg.in/yaml.v3"
)

// inspectEntry is the YAML-friendly projection of one compiled entry: the
// decoded value document rather than the raw JSON bytes, and the predicate
// counts rather than the compiled predicate values themselves, since
// predicates carry unexported compiled regexes with no useful YAML form.
type inspectEntry struct {
	Priority       int64       `yaml:"priority"`
	Value          interface{} `yaml:"value"`
	LoadPredicates int         `yaml:"loadPredicates"`
	CallPredicates int         `yaml:"callPredicates"`
	SecretUsages   int         `yaml:"secretUsages"`
}

type inspectDump struct {
	Identity struct {
		AppName string `yaml:"appName"`
		Host    string `yaml:"host"`
	} `yaml:"identity"`
	SecretBrokerVersion uint64                    `yaml:"secretBrokerVersion"`
	Entries             map[string][]inspectEntry `yaml:"entries"`
}

// dumpInspectYAML writes a YAML snapshot of core's static identity and
// current entry-store contents to w.
func dumpInspectYAML(w io.Writer, core *configcore.Core) error {
	var dump inspectDump
	dump.Identity.AppName = core.Identity().AppName
	dump.Identity.Host = core.Identity().Host
	dump.SecretBrokerVersion = core.Broker().Version()

	snapshot := core.Store().Snapshot()
	dump.Entries = make(map[string][]inspectEntry, len(snapshot))
	for name, seq := range snapshot {
		entries := make([]inspectEntry, 0, len(seq))
		for _, e := range seq {
			var value interface{}
			_ = json.Unmarshal(e.Value, &value)
			entries = append(entries, inspectEntry{
				Priority:       e.Priority,
				Value:          value,
				LoadPredicates: len(e.LoadPredicates),
				CallPredicates: len(e.CallPredicates),
				SecretUsages:   len(e.SecretUsages),
			})
		}
		dump.Entries[name] = entries
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(dump)
}
