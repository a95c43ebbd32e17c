package aggregator

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ralphm/mimir/internal/errors"
)

// AddFeedRequest is the JSON body AddFeedResource.ServeHTTP expects,
// adapted from mimir.aggregator.aggregator.AddFeedResource.http_POST.
type AddFeedRequest struct {
	Handle string `json:"handle"`
	URL    string `json:"url"`
}

// AddFeedResponse carries the pub-sub URI a client can subscribe to
// once the node has been created.
type AddFeedResponse struct {
	URI string `json:"uri"`
}

// AddFeedResource is the HTTP POST surface for registering a feed,
// the non-XMPP path into the same Engine.SetFeed logic Control uses.
type AddFeedResource struct {
	engine    *Engine
	publisher *AtomPublisher
	service   string
	log       *zap.SugaredLogger
}

// NewAddFeedResource builds an AddFeedResource. service is the
// pub-sub service JID reported back in the response URI.
func NewAddFeedResource(engine *Engine, publisher *AtomPublisher, service string, log *zap.SugaredLogger) *AddFeedResource {
	return &AddFeedResource{engine: engine, publisher: publisher, service: service, log: log}
}

// ServeHTTP accepts only POST; any other method is rejected.
func (a *AddFeedResource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req AddFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.engine.SetFeed(r.Context(), req.Handle, req.URL); err != nil {
		if errors.Is(err, errors.ErrInvalidHandle) {
			http.Error(w, "Invalid handle", http.StatusBadRequest)
			return
		}
		a.log.Errorw("set feed failed", "handle", req.Handle, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := a.publisher.CheckNode(r.Context(), req.Handle); err != nil {
		a.log.Errorw("check node failed", "handle", req.Handle, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := AddFeedResponse{URI: fmt.Sprintf("xmpp:%s?;node=mimir/news/%s", a.service, req.Handle)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
