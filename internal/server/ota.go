package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// otaHandler answers device provisioning requests: firmware metadata plus
// the WebSocket endpoint to connect to. Devices call it from captive-portal
// contexts, so CORS is wide open.
type otaHandler struct {
	wsURL           string
	firmwareVersion string
	log             *slog.Logger
}

type otaFirmware struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

type otaWebsocket struct {
	URL             string `json:"url"`
	Protocol        string `json:"protocol"`
	ProtocolVersion int    `json:"protocol_version"`
}

type otaResponse struct {
	Firmware  otaFirmware  `json:"firmware"`
	Websocket otaWebsocket `json:"websocket"`
}

type otaError struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// otaRequest is the POST body; only the running firmware version matters.
type otaRequest struct {
	Application struct {
		Version string `json:"version"`
	} `json:"application"`
}

func (h *otaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Device-Id, Client-Id, Authorization")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		h.respond(w, h.firmwareVersion)

	case http.MethodPost:
		deviceID := r.Header.Get("Device-Id")
		if deviceID == "" {
			h.log.Warn("server: ota request without device id", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusOK, otaError{Message: "request error."})
			return
		}
		version := h.firmwareVersion
		var req otaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Application.Version != "" {
			// No upgrade images are hosted here; echo the device's version so
			// it never attempts a download.
			version = req.Application.Version
		}
		h.log.Info("server: ota check-in", "device", deviceID, "version", version)
		h.respond(w, version)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *otaHandler) respond(w http.ResponseWriter, version string) {
	writeJSON(w, http.StatusOK, otaResponse{
		Firmware: otaFirmware{Version: version},
		Websocket: otaWebsocket{
			URL:             h.wsURL,
			Protocol:        SubprotocolV1,
			ProtocolVersion: 1,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
	}
}
