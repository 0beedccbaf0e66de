// Package httpapi exposes the email service over HTTP: sends, templates,
// history, analytics and queue administration.
package httpapi

import "github.com/gorilla/mux"

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}
