package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/leftmike/boxsql/config"
)

type testVars struct {
	b  *bool
	i  *int64
	s  *string
	d  *time.Duration
	sz *int
}

func newConfig(bv bool, iv int64, sv string) (*config.Config, testVars) {
	c := config.NewConfig(pflag.NewFlagSet("test", pflag.ContinueOnError))
	c.Var(new(string), "good").String("")
	c.Var(new(string), "flag-only").NoConfig().String("")
	return c, testVars{
		b:  c.Var(new(bool), "bool_var").Bool(bv),
		i:  c.Var(new(int64), "int64_var").Int64(iv),
		s:  c.Var(new(string), "string-var").String(sv),
		d:  c.Var(new(time.Duration), "duration").Duration(0),
		sz: c.Var(new(int), "size").Size(0),
	}
}

func TestLoad(t *testing.T) {
	cases := []struct {
		bv, be bool
		iv, ie int64
		sv, se string
		de     time.Duration
		sze    int
		fail   bool
		cfg    string
	}{
		{fail: true, cfg: `good`},
		{fail: true, cfg: `good =`},
		{fail: true, cfg: `bad = "123"`},
		{fail: true, cfg: `flag-only = "abc"`},
		{cfg: `good = "123"`},
		{cfg: `/* comment */ good = "123" // comment`},
		{cfg: `# comment
"good" = "1234"`},

		{bv: false, be: true, cfg: `bool_var = true`},
		{bv: true, be: false, cfg: `bool_var = false`},
		{fail: true, cfg: `bool_var = 1234`},
		{iv: 1234, ie: -5678, cfg: `int64_var = -5678`},
		{fail: true, cfg: `int64_var = "a string"`},
		{sv: "", se: "a string", cfg: `string-var = "a string"`},
		{fail: true, cfg: `bool_var = {a = 10}`},
		{de: 90 * time.Second, cfg: `duration = "1m30s"`},
		{de: 10 * time.Second, cfg: `duration = 10`},
		{fail: true, cfg: `duration = "ten"`},
		{sze: 1 << 20, cfg: `size = "1MiB"`},
		{sze: 1000, cfg: `size = "1kb"`},
		{sze: 512, cfg: `size = 512`},
		{fail: true, cfg: `size = -1`},
	}

	for _, c := range cases {
		cfg, tv := newConfig(c.bv, c.iv, c.sv)
		if *tv.b != c.bv || *tv.i != c.iv || *tv.s != c.sv {
			t.Errorf("newConfig(%v, %d, %q) defaults not correctly set", c.bv, c.iv, c.sv)
		}
		err := cfg.Load(strings.NewReader(c.cfg))
		if c.fail {
			if err == nil {
				t.Errorf("Load(%q) did not fail", c.cfg)
			}
		} else if err != nil {
			t.Errorf("Load(%q) failed with %s", c.cfg, err)
		} else if *tv.b != c.be || *tv.i != c.ie || *tv.s != c.se || *tv.d != c.de ||
			*tv.sz != c.sze {

			t.Errorf("Load(%q) got %v %d %q %s %d want %v %d %q %s %d", c.cfg, *tv.b, *tv.i,
				*tv.s, *tv.d, *tv.sz, c.be, c.ie, c.se, c.de, c.sze)
		}
	}
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := afero.WriteFile(fs, "boxsql.hcl", []byte(`frames = 64
isolation = "read-committed"
`), 0644)
	if err != nil {
		t.Fatalf("WriteFile() failed with %s", err)
	}

	cfg := config.NewConfig(pflag.NewFlagSet("test", pflag.ContinueOnError))
	frames := cfg.Var(new(int), "frames").Int(1024)
	iso := cfg.Var(new(string), "isolation").String("snapshot")

	err = cfg.LoadFile(fs, "missing.hcl", true)
	if err != nil {
		t.Errorf("LoadFile(missing.hcl, true) failed with %s", err)
	}
	err = cfg.LoadFile(fs, "missing.hcl", false)
	if err == nil {
		t.Errorf("LoadFile(missing.hcl, false) did not fail")
	}

	err = cfg.LoadFile(fs, "boxsql.hcl", false)
	if err != nil {
		t.Fatalf("LoadFile(boxsql.hcl) failed with %s", err)
	}
	if *frames != 64 {
		t.Errorf("LoadFile(boxsql.hcl) frames got %d want 64", *frames)
	}
	if *iso != "read-committed" {
		t.Errorf("LoadFile(boxsql.hcl) isolation got %q want \"read-committed\"", *iso)
	}
	if v, ok := cfg.Lookup("frames"); !ok || v.By() != config.ByConfig {
		t.Errorf("Lookup(frames) got %v, %v want by config", v, ok)
	}
}
