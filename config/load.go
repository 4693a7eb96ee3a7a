package config

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/hcl"
	"github.com/spf13/afero"
)

// Load sets variables from a config file in HCL. A variable which was set from the
// environment or the command line keeps that value.
func (c *Config) Load(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var m map[string]interface{}
	err = hcl.Decode(&m, string(b))
	if err != nil {
		return err
	}

	c.visitFlags()
	for name, val := range m {
		v, ok := c.vars[name]
		if !ok {
			return fmt.Errorf("%s is not a config variable", name)
		}
		if v.noConfig {
			return fmt.Errorf("%s can't be set in a config file", name)
		}

		if v.by == ByDefault {
			err := v.val.SetValue(val)
			if err != nil {
				return fmt.Errorf("%s: %s", name, err)
			}
			v.by = ByConfig
		}
	}
	return nil
}

// LoadFile loads the config file called name. If the file does not exist and missingOK is
// true, nothing is loaded.
func (c *Config) LoadFile(fs afero.Fs, name string, missingOK bool) error {
	f, err := fs.Open(name)
	if os.IsNotExist(err) && missingOK {
		return nil
	} else if err != nil {
		return fmt.Errorf("config: %s", err)
	}
	defer f.Close()

	err = c.Load(f)
	if err != nil {
		return fmt.Errorf("config: %s: %s", name, err)
	}
	return nil
}
