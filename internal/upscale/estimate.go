package upscale

import "fmt"

// Estimation is the CPU time guess shown before a long upscale.
type Estimation struct {
	Duration string
	Warning  string
}

// Estimate buckets an image by pixel count. Only images above half a
// megapixel carry a warning.
func Estimate(w, h int) Estimation {
	switch px := w * h; {
	case px < 500_000:
		return Estimation{Duration: "30 seconds to 2 minutes"}
	case px < 1_500_000:
		return Estimation{Duration: "2 to 5 minutes", Warning: "⚠️ Medium-sized image, this can take a while on CPU."}
	case px < 4_000_000:
		return Estimation{Duration: "5 to 15 minutes", Warning: "⚠️ Large image, processing will be very slow on CPU!"}
	default:
		return Estimation{
			Duration: "15 minutes or more",
			Warning:  fmt.Sprintf("⚠️ Very large image (%dx%d)!\n⏱️ Processing can take a very long time and may time out.", w, h),
		}
	}
}
