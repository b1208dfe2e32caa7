// Package common implements process setup shared by the server binaries:
// flag parsing, logging and metrics.
// Import only from package main.
package common

import (
	"flag"
	"strings"

	"github.com/golang/glog"
)

// Init parses flags and logs their values. Most binaries should use InitWith
// or InitWithMust instead, which also set up metrics.
func Init() {
	flag.Parse()
	defer glog.Flush()
	flag.VisitAll(func(f *flag.Flag) {
		glog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})
}

// multiString implements flag.Value, allowing a flag to be repeated or given
// as a comma-separated list:
//
//	var pools []string
//	func init() {
//		flag.Var(&multiString{values: &pools}, "pool", "list of pools")
//	}
type multiString struct {
	values *[]string
	set    bool
}

// newMultiString returns a multiString which writes into target. The defaults
// are copied into target and are discarded the first time the flag is set on
// the command line.
func newMultiString(target *[]string, defaults []string) *multiString {
	if defaults != nil {
		*target = append(make([]string, 0, len(defaults)), defaults...)
	}
	return &multiString{
		values: target,
	}
}

// String returns the current value as a comma-separated list.
func (m *multiString) String() string {
	if m == nil || m.values == nil {
		return ""
	}
	return strings.Join(*m.values, ",")
}

// Set, from the flag docs: "Set is called once, in command line order, for
// each flag present."
func (m *multiString) Set(value string) error {
	if !m.set {
		*m.values = nil
		m.set = true
	}
	*m.values = append(*m.values, strings.Split(value, ",")...)
	return nil
}

// MultiString defines a flag which may be repeated or given as a
// comma-separated list and returns a pointer to the accumulated values. Must
// be called before flag.Parse.
func MultiString(name, usage string) *[]string {
	var values []string
	MultiStringFlagVar(&values, name, usage, nil)
	return &values
}

// MultiStringFlagVar is like MultiString but writes into an existing slice
// and supports default values.
func MultiStringFlagVar(target *[]string, name, usage string, defaults []string) {
	flag.Var(newMultiString(target, defaults), name, usage)
}
