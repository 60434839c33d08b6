package probe

import "github.com/kismet-tech/aiready/pkg/engine"

// DetermineRecommendedStrategy picks the preferred serving mode for report.
// Direct file serving wins for static documents unless prefersAnalytics asks
// for every access to pass through the application.
func DetermineRecommendedStrategy(report *engine.CapabilityReport, prefersAnalytics bool) engine.Recommendation {
	if report == nil {
		return engine.Recommendation{
			Mode:   engine.ModeCannotProceed,
			Reason: "no capability report available",
		}
	}

	direct := report.SupportsDirectFileServe && report.CanWriteFilesystem
	routing := report.SupportsApplicationRouting

	switch {
	case direct && routing && prefersAnalytics:
		return engine.Recommendation{
			Mode:   engine.ModeApplication,
			Reason: "both modes work; routing through the application records every access",
		}
	case direct:
		return engine.Recommendation{
			Mode:   engine.ModeDirectFileServe,
			Reason: "the web server serves files from the document root directly",
		}
	case routing:
		return engine.Recommendation{
			Mode:         engine.ModeApplication,
			Reason:       "only application routing works on this host",
			DirectErrors: report.DirectErrors,
		}
	default:
		return engine.Recommendation{
			Mode:          engine.ModeCannotProceed,
			Reason:        "neither direct file serving nor application routing works",
			DirectErrors:  report.DirectErrors,
			RoutingErrors: report.RoutingErrors,
		}
	}
}
