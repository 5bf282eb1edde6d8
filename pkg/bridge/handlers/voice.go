package handlers

import (
	"encoding/xml"
	"net/http"

	"github.com/voicefront/callbridge/pkg/bridge/apierror"
)

// VoiceHandler answers the provider's incoming-call webhook with connection
// instructions pointing the call's media stream at this bridge.
type VoiceHandler struct {
	// StreamURL is the public wss:// URL of the media endpoint.
	StreamURL string
}

type voiceResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect voiceConnect `xml:"Connect"`
}

type voiceConnect struct {
	Stream voiceStream `xml:"Stream"`
}

type voiceStream struct {
	URL string `xml:"url,attr"`
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		apierror.WriteJSON(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "method not allowed",
		})
		return
	}
	doc := voiceResponse{Connect: voiceConnect{Stream: voiceStream{URL: h.StreamURL}}}
	body, err := xml.Marshal(doc)
	if err != nil {
		apierror.WriteJSON(w, http.StatusInternalServerError, &apierror.Error{
			Type:    apierror.ErrAPI,
			Message: "failed to render voice response",
		})
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
