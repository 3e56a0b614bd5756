package tariff_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/green-horizon/internal/tariff"
)

var _ = Describe("Resolver", func() {
	var (
		logger *slog.Logger
		dir    string
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		dir = GinkgoT().TempDir()
	})

	writeTable := func(content string) string {
		path := filepath.Join(dir, "tarifas_energia.csv")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	newResolver := func(path string) *tariff.Resolver {
		r, err := tariff.NewResolver(&tariff.Config{Logger: logger, Path: path})
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	Describe("NewResolver", func() {
		It("should return error when config is nil", func() {
			r, err := tariff.NewResolver(nil)
			Expect(err).To(HaveOccurred())
			Expect(r).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			_, err := tariff.NewResolver(&tariff.Config{Path: "x.csv"})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger cannot be nil"))
		})

		It("should return error when path is empty", func() {
			_, err := tariff.NewResolver(&tariff.Config{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("path cannot be empty"))
		})
	})

	Context("with a readable table", func() {
		var resolver *tariff.Resolver

		BeforeEach(func() {
			resolver = newResolver(writeTable("hora;tipo\n17;Normal\n18;Pico\n19;Pico\n20;Fora Ponta\n"))
		})

		It("should map the peak label onto the canonical tier", func() {
			res := resolver.Resolve(18)
			Expect(res.Tier).To(Equal(tariff.TierPeak))
			Expect(res.Source).To(Equal(tariff.SourceTable))
			Expect(res.Defaulted()).To(BeFalse())
			Expect(res.Cause).NotTo(HaveOccurred())
		})

		It("should map off-peak labels to normal", func() {
			Expect(resolver.Resolve(20).Tier).To(Equal(tariff.TierNormal))
		})

		It("should fall back when the hour has no rule", func() {
			res := resolver.Resolve(3)
			Expect(res.Tier).To(Equal(tariff.TierNormal))
			Expect(res.Defaulted()).To(BeTrue())
			Expect(res.Cause).To(MatchError(tariff.ErrNoRuleForHour))
		})

		It("should reject hours out of range", func() {
			res := resolver.Resolve(24)
			Expect(res.Defaulted()).To(BeTrue())
			Expect(res.Cause).To(MatchError(tariff.ErrInvalidHour))
		})

		It("should resolve from a wall-clock time", func() {
			at := time.Date(2024, 3, 1, 19, 45, 0, 0, time.UTC)
			Expect(resolver.ResolveAt(at).Tier).To(Equal(tariff.TierPeak))
		})
	})

	Context("when the table cannot be used", func() {
		It("should fall back when the file is missing", func() {
			res := newResolver(filepath.Join(dir, "missing.csv")).Resolve(18)
			Expect(res.Tier).To(Equal(tariff.TierNormal))
			Expect(res.Cause).To(MatchError(tariff.ErrTableUnavailable))
		})

		It("should fall back when the tier column is missing", func() {
			res := newResolver(writeTable("hora,preco\n18,0.9\n")).Resolve(18)
			Expect(res.Defaulted()).To(BeTrue())
			Expect(res.Cause).To(MatchError(tariff.ErrTableUnavailable))
		})

		It("should use a configured default tier", func() {
			r, err := tariff.NewResolver(&tariff.Config{
				Logger:      logger,
				Path:        filepath.Join(dir, "missing.csv"),
				DefaultTier: "Intermediate",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Resolve(10).Tier).To(Equal("Intermediate"))
		})
	})

	Describe("Rules", func() {
		It("should skip bad hours and keep the first duplicate", func() {
			rules, err := newResolver(writeTable("hour,tier\n7.0,Peak\nx,Peak\n7,Normal\n25,Peak\n08,Normal\n")).Rules()
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(Equal([]tariff.Rule{
				{Hour: 7, Tier: tariff.TierPeak},
				{Hour: 8, Tier: tariff.TierNormal},
			}))
		})

		It("should pick up edits between lookups", func() {
			path := writeTable("hora,tipo\n9,Normal\n")
			resolver := newResolver(path)
			Expect(resolver.Resolve(9).Tier).To(Equal(tariff.TierNormal))

			writeTable("hora,tipo\n9,Pico\n")
			Expect(resolver.Resolve(9).Tier).To(Equal(tariff.TierPeak))
		})
	})
})
