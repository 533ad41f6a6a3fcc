package testutil

import (
	"os"

	. "github.com/onsi/gomega"
)

// TmpFileName reserves a unique temp file path and removes the file, so
// tests can pass a fresh name to code that creates the file itself.
func TmpFileName() string {
	f, err := os.CreateTemp("", "go_test_tmp_")
	Expect(err).To(BeNil())
	filename := f.Name()
	err = f.Close()
	Expect(err).To(BeNil())
	err = os.Remove(filename)
	Expect(err).To(BeNil())
	return filename
}
