package findnet

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the find protocol on r.
func (n *Node) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/find/{id}", n.handleFind).Methods(http.MethodGet)
}

// Handler returns a router serving only the find protocol.
func (n *Node) Handler() http.Handler {
	r := mux.NewRouter()
	n.RegisterRoutes(r)
	return r
}

// handleFind answers from local state only. Unknown ids are queued for a
// background lookup so a later query may succeed.
func (n *Node) handleFind(w http.ResponseWriter, r *http.Request) {
	content, err := ParseID(mux.Vars(r)["id"])
	if err != nil {
		n.msink.IncrCounterWithLabels(
			MetricInboundCount,
			1.0,
			append(slices.Clone(n.config.metricLabels), LabelOutcome.M("invalid")),
		)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	answers, known := n.Answer(content)
	outcome := "known"
	if !known {
		outcome = "unknown"
		n.Enqueue(content)
	}
	n.msink.IncrCounterWithLabels(
		MetricInboundCount,
		1.0,
		append(slices.Clone(n.config.metricLabels), LabelOutcome.M(outcome)),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answers); err != nil {
		n.logger.Debug("failed to write find answer", LabelError.L(err))
	}
}
