package testutil_test

import (
	"sort"
	"testing"

	"github.com/spf13/afero"

	"github.com/leftmike/boxsql/testutil"
)

func TestCleanDir(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := testutil.CleanDir(fs, "testdata", nil)
	if err != nil {
		t.Fatalf("CleanDir(missing) failed with %s", err)
	}
	if ok, _ := afero.DirExists(fs, "testdata"); !ok {
		t.Errorf("CleanDir(missing) did not create the directory")
	}

	for _, name := range []string{"testdata/a.db", "testdata/keep.txt", "testdata/wal/1"} {
		err = afero.WriteFile(fs, name, []byte(name), 0644)
		if err != nil {
			t.Fatal(err)
		}
	}

	err = testutil.CleanDir(fs, "testdata", []string{"keep.txt"})
	if err != nil {
		t.Fatalf("CleanDir() failed with %s", err)
	}
	fis, err := afero.ReadDir(fs, "testdata")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, fi := range fis {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	if len(names) != 1 || names[0] != "keep.txt" {
		t.Errorf("CleanDir() left %v want [keep.txt]", names)
	}
}
