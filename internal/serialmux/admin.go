package serialmux

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminFS embed.FS

var sendCommandPage = template.Must(template.ParseFS(adminFS, "templates/send-command.html.tmpl"))

// attachAdminRoutes mounts the link pages for any SerialMuxInterface:
//
//	/debug/send-command      form to send a raw line
//	/debug/send-command-api  POST command=<line>
//	/debug/tail[?name=NAME]  server-sent events, one per line read
//	/debug/tail.js           script behind the form page
func attachAdminRoutes(mux *http.ServeMux, link SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a raw command line to the aircraft link", func(w http.ResponseWriter, r *http.Request) {
		if err := sendCommandPage.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})
	debug.HandleSilentFunc("send-command-api", sendCommandHandler(link))
	debug.HandleSilentFunc("tail", tailHandler(link))
	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		js, err := adminFS.ReadFile("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(js)
	})
}

func sendCommandHandler(link SerialMuxInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := link.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to link", command)
	}
}

func tailHandler(link SerialMuxInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		name := strings.TrimSpace(r.URL.Query().Get("name"))

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")

		id, lines := link.Subscribe()
		defer link.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if name != "" && MessageName(line) != name {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
