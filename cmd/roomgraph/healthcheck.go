package main

import (
	"context"
	"net/http"
	"time"

	"go.mau.fi/util/exhttp"
)

type RespHealth struct {
	Ok bool `json:"ok"`
	DB bool `json:"db"`
}

// GetHealth - GET /_roomgraph/v1/health
func (rg *Roomgraph) GetHealth(w http.ResponseWriter, r *http.Request) {
	var resp RespHealth
	pingDeadline, abort := context.WithTimeout(r.Context(), time.Second*5)
	defer abort()
	resp.DB = rg.DB.RawDB.PingContext(pingDeadline) == nil
	resp.Ok = resp.DB
	if resp.Ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusServiceUnavailable, resp)
	}
}
