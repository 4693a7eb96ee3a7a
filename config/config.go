package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"
)

// By is where the current value of a variable came from. A variable is only changed by a
// source of higher precedence than the one it was last set by.
type By int

const (
	ByDefault By = iota
	ByConfig
	ByEnv
	ByFlag
)

func (by By) String() string {
	switch by {
	case ByDefault:
		return "default"
	case ByConfig:
		return "config"
	case ByEnv:
		return "env"
	case ByFlag:
		return "flag"
	}
	return fmt.Sprintf("by-%d", int(by))
}

// Value is a typed variable which can be set from a flag or environment variable string,
// or from a value decoded from a config file.
type Value interface {
	pflag.Value
	SetValue(v interface{}) error
}

// Config is a set of variables bound to a flag set. Each variable may also be set from an
// environment variable and from a config file.
type Config struct {
	flags *pflag.FlagSet
	vars  map[string]*Var
}

func NewConfig(flags *pflag.FlagSet) *Config {
	return &Config{
		flags: flags,
		vars:  map[string]*Var{},
	}
}

// Var is a config variable under construction: set its options, and then call one of the
// typed methods, such as Int, to give it a default and register it.
type Var struct {
	cfg      *Config
	ptr      interface{}
	name     string
	short    string
	usage    string
	env      string
	noFlag   bool
	noConfig bool

	val Value
	by  By
}

// Var starts a new variable which will be stored in ptr.
func (c *Config) Var(ptr interface{}, name string) *Var {
	if _, ok := c.vars[name]; ok {
		panic(fmt.Sprintf("config: variable redefined: %s", name))
	}
	return &Var{
		cfg:  c,
		ptr:  ptr,
		name: name,
	}
}

func (v *Var) Usage(usage string) *Var {
	v.usage = usage
	return v
}

// Short sets a one letter shorthand for the flag.
func (v *Var) Short(short string) *Var {
	v.short = short
	return v
}

// Env sets the environment variable which overrides the config file.
func (v *Var) Env(env string) *Var {
	v.env = env
	return v
}

// NoFlag keeps the variable off the command line.
func (v *Var) NoFlag() *Var {
	v.noFlag = true
	return v
}

// NoConfig keeps the variable out of the config file.
func (v *Var) NoConfig() *Var {
	v.noConfig = true
	return v
}

func (v *Var) Name() string {
	return v.name
}

// Value returns the current value formatted as a string.
func (v *Var) Value() string {
	return v.val.String()
}

func (v *Var) By() By {
	return v.by
}

func (v *Var) register(val Value) {
	v.val = val
	v.cfg.vars[v.name] = v
	if !v.noFlag {
		v.cfg.flags.VarP(val, v.name, v.short, v.usage)
	}
}

func (v *Var) Bool(def bool) *bool {
	p := v.ptr.(*bool)
	*p = def
	v.register((*boolValue)(p))
	if !v.noFlag {
		v.cfg.flags.Lookup(v.name).NoOptDefVal = "true"
	}
	return p
}

func (v *Var) Int(def int) *int {
	p := v.ptr.(*int)
	*p = def
	v.register((*intValue)(p))
	return p
}

func (v *Var) Int64(def int64) *int64 {
	p := v.ptr.(*int64)
	*p = def
	v.register((*int64Value)(p))
	return p
}

func (v *Var) Uint64(def uint64) *uint64 {
	p := v.ptr.(*uint64)
	*p = def
	v.register((*uint64Value)(p))
	return p
}

func (v *Var) String(def string) *string {
	p := v.ptr.(*string)
	*p = def
	v.register((*stringValue)(p))
	return p
}

func (v *Var) Duration(def time.Duration) *time.Duration {
	p := v.ptr.(*time.Duration)
	*p = def
	v.register((*durationValue)(p))
	return p
}

// Size is a byte count which is given as either a number or a string such as "64KiB".
func (v *Var) Size(def int) *int {
	p := v.ptr.(*int)
	*p = def
	v.register((*sizeValue)(p))
	return p
}

// Lookup returns the variable called name.
func (c *Config) Lookup(name string) (*Var, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// Vars returns every variable, sorted by name.
func (c *Config) Vars() []*Var {
	vars := make([]*Var, 0, len(c.vars))
	for _, v := range c.vars {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].name < vars[j].name
	})
	return vars
}

// visitFlags marks the variables which were given on the command line.
func (c *Config) visitFlags() {
	c.flags.Visit(
		func(flg *pflag.Flag) {
			if v, ok := c.vars[flg.Name]; ok {
				v.by = ByFlag
			}
		})
}

// Env sets every variable which has an environment variable, if it is set and the
// variable was not given on the command line.
func (c *Config) Env() error {
	c.visitFlags()

	for _, v := range c.vars {
		if v.env == "" || v.by > ByEnv {
			continue
		}
		s, ok := os.LookupEnv(v.env)
		if !ok {
			continue
		}
		err := v.val.Set(s)
		if err != nil {
			return fmt.Errorf("config: %s: %s", v.env, err)
		}
		v.by = ByEnv
	}
	return nil
}
