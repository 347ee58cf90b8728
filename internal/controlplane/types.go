package controlplane

import (
	"workspace/internal/appinstance"
)

type InstanceResponse struct {
	State        appinstance.State `json:"state"`
	ProxyURL     string            `json:"proxy_url"`
	TemplateName string            `json:"template_name"`
	UserHash     string            `json:"user_hash"`
}

type DiscoveryEntry struct {
	ProxyURL string            `json:"proxy_url"`
	State    appinstance.State `json:"state"`
	User     string            `json:"user"`
	Name     string            `json:"name"`
}

type DiscoveryResponse struct {
	Applications []DiscoveryEntry `json:"applications"`
}

type PatchRequest struct {
	State appinstance.State `json:"state" binding:"required"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func toInstanceResponse(inst *appinstance.Instance) InstanceResponse {
	return InstanceResponse{
		State:        inst.State,
		ProxyURL:     inst.ProxyURL,
		TemplateName: inst.TemplateName,
		UserHash:     appinstance.UserHash(inst.OwnerSSOID),
	}
}
