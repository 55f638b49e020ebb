package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalArchive", func() {
	var (
		tmpDir  string
		archive *LocalArchive
	)

	BeforeEach(func() {
		tmpDir = filepath.Join(GinkgoT().TempDir(), "audit")
		var err error
		archive, err = NewLocalArchive(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should create the directory", func() {
		info, err := os.Stat(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	Describe("Save and Get", func() {
		It("should round trip a log", func() {
			name, err := archive.Save("cleanup-20250203T090000.000.log", []byte("line\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("cleanup-20250203T090000.000.log"))

			data, err := archive.Get(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("line\n"))
		})

		It("returns ErrNotFound for a missing log", func() {
			_, err := archive.Get("cleanup-19990101T000000.000.log")
			Expect(err).To(MatchError(ErrNotFound))
		})

		DescribeTable("rejects names outside the archive",
			func(name string) {
				_, err := archive.Save(name, []byte("x"))
				Expect(err).To(MatchError(ErrInvalidInput))
				_, err = archive.Get(name)
				Expect(err).To(MatchError(ErrInvalidInput))
			},
			Entry("empty", ""),
			Entry("parent", "../escape.log"),
			Entry("nested", "a/b.log"),
			Entry("hidden", ".hidden.log"),
		)
	})

	Describe("List", func() {
		BeforeEach(func() {
			for _, name := range []string{
				"cleanup-20250101T000000.000.log",
				"migrate-discounts-20250301T000000.000.log",
				"cleanup-20250201T000000.000.log",
			} {
				_, err := archive.Save(name, nil)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(os.WriteFile(filepath.Join(tmpDir, "notes.txt"), nil, 0644)).To(Succeed())
		})

		It("should list logs newest first", func() {
			names, err := archive.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{
				"migrate-discounts-20250301T000000.000.log",
				"cleanup-20250201T000000.000.log",
				"cleanup-20250101T000000.000.log",
			}))
		})
	})
})
