package serialmux

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// commandTimeout bounds how long an admin request waits for the link.
const commandTimeout = 5 * time.Second

// CommandSender delivers an operator command to the device.
type CommandSender interface {
	SendCommand(ctx context.Context, command string) error
}

// AttachAdminRoutes attaches link debugging endpoints under /debug/. These
// routes are accessible only over localhost/via Tailscale and are not
// publicly accessible.
func AttachAdminRoutes(mux *http.ServeMux, link *Link, sender CommandSender) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Link overflows", func() any { return link.Stats().Snapshot().Overflows })
	debug.KVFunc("Link max gap", func() any { return link.Stats().Snapshot().MaxGap.String() })

	debug.HandleFunc("send-command", "send a user command to the rig", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct{ Stats StatsSnapshot }{Stats: link.Stats().Snapshot()}
		if err := sendCommandTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		if err := sender.SendCommand(ctx, command); err != nil {
			http.Error(w, fmt.Sprintf("Failed to send command: %v", err), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent command %q to rig", command))
	})

	debug.HandleFunc("link-stats", "serial link transmission statistics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(link.Stats().Snapshot())
	})
}
