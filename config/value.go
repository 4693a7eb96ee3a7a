package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Values decoded from a config file are int, float64, bool, string, []interface{} or
// []map[string]interface{}.

func invalidValue(v interface{}) error {
	return fmt.Errorf("parsing %v: invalid syntax", v)
}

type boolValue bool

func (b *boolValue) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*b = boolValue(v)
	return nil
}

func (b *boolValue) SetValue(v interface{}) error {
	bv, ok := v.(bool)
	if !ok {
		return invalidValue(v)
	}
	*b = boolValue(bv)
	return nil
}

func (b *boolValue) String() string {
	return strconv.FormatBool(bool(*b))
}

func (_ *boolValue) Type() string {
	return "bool"
}

type intValue int

func (i *intValue) Set(s string) error {
	v, err := strconv.ParseInt(s, 0, strconv.IntSize)
	if err != nil {
		return err
	}
	*i = intValue(v)
	return nil
}

func (i *intValue) SetValue(v interface{}) error {
	iv, ok := v.(int)
	if !ok {
		return invalidValue(v)
	}
	*i = intValue(iv)
	return nil
}

func (i *intValue) String() string {
	return strconv.Itoa(int(*i))
}

func (_ *intValue) Type() string {
	return "int"
}

type int64Value int64

func (i *int64Value) Set(s string) error {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return err
	}
	*i = int64Value(v)
	return nil
}

func (i *int64Value) SetValue(v interface{}) error {
	iv, ok := v.(int)
	if !ok {
		return invalidValue(v)
	}
	*i = int64Value(iv)
	return nil
}

func (i *int64Value) String() string {
	return strconv.FormatInt(int64(*i), 10)
}

func (_ *int64Value) Type() string {
	return "int64"
}

type uint64Value uint64

func (u *uint64Value) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	*u = uint64Value(v)
	return nil
}

func (u *uint64Value) SetValue(v interface{}) error {
	iv, ok := v.(int)
	if !ok || iv < 0 {
		return invalidValue(v)
	}
	*u = uint64Value(iv)
	return nil
}

func (u *uint64Value) String() string {
	return strconv.FormatUint(uint64(*u), 10)
}

func (_ *uint64Value) Type() string {
	return "uint64"
}

type stringValue string

func (s *stringValue) Set(val string) error {
	*s = stringValue(val)
	return nil
}

func (s *stringValue) SetValue(v interface{}) error {
	sv, ok := v.(string)
	if !ok {
		return invalidValue(v)
	}
	return s.Set(sv)
}

func (s *stringValue) String() string {
	return string(*s)
}

func (_ *stringValue) Type() string {
	return "string"
}

// In a config file, a duration is either a string, such as "1m30s", or a number of seconds.
type durationValue time.Duration

func (d *durationValue) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = durationValue(v)
	return nil
}

func (d *durationValue) SetValue(v interface{}) error {
	switch v := v.(type) {
	case string:
		return d.Set(v)
	case int:
		*d = durationValue(time.Duration(v) * time.Second)
		return nil
	}
	return invalidValue(v)
}

func (d *durationValue) String() string {
	return (*time.Duration)(d).String()
}

func (_ *durationValue) Type() string {
	return "duration"
}

type sizeValue int

func (sz *sizeValue) Set(s string) error {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	if v > uint64(^uint(0)>>1) {
		return fmt.Errorf("parsing %s: value out of range", s)
	}
	*sz = sizeValue(v)
	return nil
}

func (sz *sizeValue) SetValue(v interface{}) error {
	switch v := v.(type) {
	case string:
		return sz.Set(v)
	case int:
		if v < 0 {
			return invalidValue(v)
		}
		*sz = sizeValue(v)
		return nil
	}
	return invalidValue(v)
}

func (sz *sizeValue) String() string {
	return humanize.IBytes(uint64(*sz))
}

func (_ *sizeValue) Type() string {
	return "size"
}
