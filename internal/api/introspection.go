package api

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"zone":       s.Zone,
		"peer_zones": s.PeerZones,
	})
}

func (s *Server) handleDatacenters(w http.ResponseWriter, r *http.Request) {
	datacenters := []map[string]string{{"name": s.Zone, "url": "self"}}
	for zone, url := range s.PeerZones {
		datacenters = append(datacenters, map[string]string{"name": zone, "url": url})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datacenters": datacenters})
}

// handleHealthFanout probes every peer zone's /health endpoint and
// aggregates the results, per §7's "an error is returned only if all
// requested datacenters fail; otherwise partial success is aggregated".
func (s *Server) handleHealthFanout(w http.ResponseWriter, r *http.Request) {
	results := map[string]string{s.Zone: "ok"}
	failures := 0
	for zone, base := range s.PeerZones {
		resp, err := s.httpClient.Get(base + "/health")
		if err != nil || resp.StatusCode/100 != 2 {
			results[zone] = "unreachable"
			failures++
			continue
		}
		resp.Body.Close()
		results[zone] = "ok"
	}
	status := http.StatusOK
	if len(s.PeerZones) > 0 && failures == len(s.PeerZones) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"zones": results})
}
