package project

import (
	"encoding/json"
	"net/http"
)

// Routes registers the user endpoints.
func Routes(mux *http.ServeMux, svc *UserService) {
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		getUser(w, r, svc)
	})
	mux.HandleFunc("POST /users", createUser)
}

func getUser(w http.ResponseWriter, r *http.Request, svc *UserService) {
	user, err := svc.GetUser(1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(user)
}

func createUser(w http.ResponseWriter, r *http.Request) {
	var u User
	_ = json.NewDecoder(r.Body).Decode(&u)
	w.WriteHeader(http.StatusCreated)
}
