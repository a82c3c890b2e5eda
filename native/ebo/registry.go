package ebo

import "sync"

// Registry is the in-memory projection of one request's protocol state.
// Lookups return copies; absence is reported with a nil result.
type Registry struct {
	mu sync.RWMutex

	requests  map[RequestID]*Request
	responses map[ResponseID]*Response
	disputes  map[DisputeID]*Dispute

	// insertion order, used for deterministic snapshots and tie breaking
	responseOrder []ResponseID
	disputeOrder  []DisputeID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:  make(map[RequestID]*Request),
		responses: make(map[ResponseID]*Response),
		disputes:  make(map[DisputeID]*Dispute),
	}
}

func (r *Registry) AddRequest(req *Request) {
	if req == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req.Clone()
}

func (r *Registry) AddResponse(resp *Response) {
	if resp == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.responses[resp.ID]; !ok {
		r.responseOrder = append(r.responseOrder, resp.ID)
	}
	r.responses[resp.ID] = resp.Clone()
}

func (r *Registry) AddDispute(d *Dispute) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.disputes[d.ID]; !ok {
		r.disputeOrder = append(r.disputeOrder, d.ID)
	}
	r.disputes[d.ID] = d.Clone()
}

func (r *Registry) GetRequest(id RequestID) *Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requests[id].Clone()
}

func (r *Registry) GetResponse(id ResponseID) *Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.responses[id].Clone()
}

func (r *Registry) GetDispute(id DisputeID) *Dispute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disputes[id].Clone()
}

// GetResponses returns every stored response in insertion order.
func (r *Registry) GetResponses() []*Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Response, 0, len(r.responseOrder))
	for _, id := range r.responseOrder {
		out = append(out, r.responses[id].Clone())
	}
	return out
}

// GetDisputes returns every stored dispute in insertion order.
func (r *Registry) GetDisputes() []*Dispute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Dispute, 0, len(r.disputeOrder))
	for _, id := range r.disputeOrder {
		out = append(out, r.disputes[id].Clone())
	}
	return out
}

// GetResponseDispute returns the dispute raised against resp, if any.
func (r *Registry) GetResponseDispute(resp *Response) *Dispute {
	if resp == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.disputeOrder {
		d := r.disputes[id]
		if d.ProphetData.ResponseID == resp.ID {
			return d.Clone()
		}
	}
	return nil
}

// UpdateDisputeStatus sets the status of a stored dispute. It reports whether
// the dispute exists.
func (r *Registry) UpdateDisputeStatus(id DisputeID, status DisputeStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disputes[id]
	if !ok {
		return false
	}
	d.Status = status
	return true
}

func (r *Registry) setRequestStatus(id RequestID, status RequestStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return false
	}
	req.Status = status
	return true
}

func (r *Registry) removeRequest(id RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, id)
}

func (r *Registry) removeResponse(id ResponseID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.responses[id]; !ok {
		return
	}
	delete(r.responses, id)
	r.responseOrder = removeID(r.responseOrder, id)
}

func (r *Registry) removeDispute(id DisputeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.disputes[id]; !ok {
		return
	}
	delete(r.disputes, id)
	r.disputeOrder = removeID(r.disputeOrder, id)
}

func removeID[T comparable](ids []T, target T) []T {
	for i, id := range ids {
		if id == target {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
