package test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

var (
	fixturesMu sync.Mutex
	// Fixtures is a map of Fixture.Name to Fixture.
	Fixtures = make(map[string]Fixture)
)

// FindFixturesDir walks up from the working directory looking for the
// _fixtures directory.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// Compiler returns the C compiler used to build fixtures, honoring $CC.
func Compiler() (string, error) {
	cc := os.Getenv("CC")
	if cc == "" {
		cc = "cc"
	}
	return exec.LookPath(cc)
}

// BuildFixture compiles _fixtures/<name>.c into a position independent
// executable. The test is skipped if no C compiler is available.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	cc, err := Compiler()
	if err != nil {
		t.Skipf("no C compiler: %v", err)
	}

	source, err := filepath.Abs(filepath.Join(FindFixturesDir(), name+".c"))
	if err != nil {
		t.Fatal(err)
	}

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	cmd := exec.Command(cc, "-O0", "-fPIE", "-pie", "-o", tmpfile, source)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not compile %s: %v\n%s", source, err, out)
	}

	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[name]
}

// RunTestsWithFixtures runs the tests and deletes every fixture built
// while they ran.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}
