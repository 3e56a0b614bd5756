package forecast_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/green-horizon/internal/forecast"
)

var _ = Describe("NewAggregate", func() {
	It("should reduce only the first hours entries", func() {
		agg, err := forecast.NewAggregate(
			[]float64{20.0, 21.0, 22.5, 40.0},
			[]float64{0.1, 0.25, 0.0, 9.0},
			3,
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(agg.Hours).To(Equal(3))
		Expect(agg.MeanTempC).To(Equal(21.2))
		Expect(agg.TotalRainMM).To(Equal(0.35))
		Expect(agg.WillRain).To(BeTrue())
		Expect(agg.RainProbabilityFlag).To(BeFalse())
		Expect(agg.Current).To(BeNil())
	})

	DescribeTable("rain flags",
		func(rain []float64, willRain, flag bool) {
			agg, err := forecast.NewAggregate([]float64{20, 20, 20}, rain, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(agg.WillRain).To(Equal(willRain))
			Expect(agg.RainProbabilityFlag).To(Equal(flag))
		},
		Entry("dry", []float64{0, 0, 0}, false, false),
		Entry("exactly the rain threshold", []float64{0.1, 0, 0}, false, false),
		Entry("just above the rain threshold", []float64{0.05, 0.03, 0.03}, true, false),
		Entry("above the rain threshold only before rounding", []float64{0.104, 0, 0}, true, false),
		Entry("exactly the probability threshold", []float64{0.2, 0.2, 0.1}, true, false),
		Entry("above the probability threshold only before rounding", []float64{0.5, 0.004, 0}, true, true),
		Entry("heavy", []float64{1.2, 0.4, 0}, true, true),
	)

	It("should round the reported total but flag on the raw sum", func() {
		agg, err := forecast.NewAggregate([]float64{20, 20, 20}, []float64{0.104, 0, 0}, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(agg.TotalRainMM).To(Equal(0.1))
		Expect(agg.WillRain).To(BeTrue())
	})

	It("should reject a non-positive horizon", func() {
		_, err := forecast.NewAggregate([]float64{1}, []float64{1}, 0)
		Expect(err).To(MatchError(forecast.ErrInvalidHorizon))
	})

	It("should reject a series shorter than the horizon", func() {
		_, err := forecast.NewAggregate([]float64{1, 2, 3}, []float64{0, 0}, 3)
		Expect(err).To(MatchError(forecast.ErrInvalidHorizon))
		Expect(err.Error()).To(ContainSubstring("2 precipitation values"))
	})
})
