package pbap

import (
	"time"

	"github.com/opd-ai/obexd/obex"
	"github.com/sirupsen/logrus"
)

// DefaultSRMInterval is the delay between two packets sent by the pump.
const DefaultSRMInterval = 10 * time.Millisecond

// SRM tracks Single Response Mode for the current GET operation.
// Active implies Enabled.
type SRM struct {
	Enabled bool
	Active  bool
	// PendingResponseHeader is set until a response has carried SRM=1.
	PendingResponseHeader bool
}

// Update applies the SRM and SRMP headers of a GET request.
func (s *SRM) Update(headers obex.Headers) {
	srm, hasSRM := headers.Uint8(obex.HeaderSRM)
	srmp, hasSRMP := headers.Uint8(obex.HeaderSRMP)

	if hasSRM && srm == obex.SRMEnable {
		if s.Enabled {
			logrus.WithFields(logrus.Fields{
				"function": "SRM.Update",
			}).Debug("SRM enabled again within one operation")
		}
		s.Enabled = true
		s.Active = true
		s.PendingResponseHeader = true
		if hasSRMP && srmp == obex.SRMPWait {
			s.Active = false
		}
		return
	}
	if hasSRM && srm != obex.SRMEnable {
		logrus.WithFields(logrus.Fields{
			"function": "SRM.Update",
			"value":    srm,
		}).Debug("Ignoring SRM header value")
	}

	if !s.Enabled {
		if hasSRMP {
			// SRMP outside an SRM operation carries no meaning.
			logrus.WithFields(logrus.Fields{
				"function": "SRM.Update",
				"value":    srmp,
			}).Debug("Ignoring SRMP without SRM")
		}
		return
	}
	switch {
	case !hasSRMP:
		s.Active = true
	case srmp == obex.SRMPWait:
		s.Active = false
	}
}

// ResponseHeaders returns the SRM header owed to the peer, at most once.
func (s *SRM) ResponseHeaders() []obex.Header {
	if !s.Enabled || !s.PendingResponseHeader {
		return nil
	}
	s.PendingResponseHeader = false
	return []obex.Header{obex.SRMHeader(obex.SRMEnable)}
}

// Reset returns to the plain request/response model.
func (s *SRM) Reset() { *s = SRM{} }
