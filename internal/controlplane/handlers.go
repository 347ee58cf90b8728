package controlplane

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"workspace/internal/appinstance"
	"workspace/internal/spawner"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type ApplicationHandler struct {
	repo      appinstance.Repository
	queue     *asynq.Client
	process   spawner.Spawner
	container spawner.Spawner
	logger    *slog.Logger
}

func NewApplicationHandler(repo appinstance.Repository, queue *asynq.Client, process, container spawner.Spawner, logger *slog.Logger) *ApplicationHandler {
	return &ApplicationHandler{
		repo:      repo,
		queue:     queue,
		process:   process,
		container: container,
		logger:    logger.With("component", "controlplane"),
	}
}

// List is the service-discovery endpoint scraped for metrics targets.
func (h *ApplicationHandler) List(c *gin.Context) {
	instances, err := h.repo.ListByState(c.Request.Context(), []appinstance.State{appinstance.StateRunning})
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	resp := DiscoveryResponse{Applications: make([]DiscoveryEntry, 0, len(instances))}
	for _, inst := range instances {
		resp.Applications = append(resp.Applications, DiscoveryEntry{
			ProxyURL: inst.ProxyURL,
			State:    inst.State,
			User:     inst.OwnerEmail,
			Name:     inst.PublicHost,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// Get returns the instance for a public_host. While the stored state is
// non-terminal the spawner is consulted, so a died spawn converges to
// STOPPED here rather than hanging in SPAWNING forever.
func (h *ApplicationHandler) Get(c *gin.Context) {
	publicHost := c.Param("public_host")

	inst, err := h.repo.GetByHost(c.Request.Context(), publicHost)
	if errors.Is(err, appinstance.ErrNotFound) {
		respondError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if !h.authorized(c, inst) {
		return
	}

	if inst.State.IsLive() {
		inst = h.reconcile(c, inst)
	}
	c.JSON(http.StatusOK, toInstanceResponse(inst))
}

// reconcile asks the spawner for the instance's real liveness and
// persists a death. Errors fall back to the stored state.
func (h *ApplicationHandler) reconcile(c *gin.Context, inst *appinstance.Instance) *appinstance.Instance {
	sp, err := spawner.Select(inst.Spawner, h.process, h.container)
	if err != nil {
		return inst
	}
	state, err := sp.State(c.Request.Context(), inst.SpawnerOptions, inst.CreatedAt, inst.SpawnerInstanceID, inst.ProxyURL)
	if err != nil {
		h.logger.Warn("Spawner state probe failed", "instance_id", inst.ID, "error", err)
		return inst
	}
	if state == appinstance.StateStopped {
		h.logger.Info("Spawner reports instance dead", "instance_id", inst.ID, "public_host", inst.PublicHost)
		if err := h.repo.SetState(c.Request.Context(), inst.ID, appinstance.StateStopped); err == nil {
			inst.State = appinstance.StateStopped
		}
	}
	return inst
}

// Create handles PUT: a new SPAWNING instance bound to the caller, or 409
// when another live instance already holds the host.
func (h *ApplicationHandler) Create(c *gin.Context) {
	publicHost := c.Param("public_host")
	identity := callerIdentity(c)
	if !identity.known() {
		respondError(c, http.StatusForbidden, errForbidden)
		return
	}

	templateName, userHash, err := appinstance.SplitPublicHost(publicHost)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if appinstance.UserHash(identity.UserID) != userHash {
		respondError(c, http.StatusForbidden, errForbidden)
		return
	}

	template, err := h.repo.GetTemplate(c.Request.Context(), templateName)
	if errors.Is(err, appinstance.ErrNotFound) {
		respondError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	inst := &appinstance.Instance{
		ID:             uuid.New().String(),
		OwnerSSOID:     identity.UserID,
		OwnerEmail:     identity.Email,
		PublicHost:     publicHost,
		TemplateName:   template.Name,
		Spawner:        template.Spawner,
		SpawnerOptions: template.SpawnerOptions,
		State:          appinstance.StateSpawning,
		CPU:            template.DefaultCPU,
		Memory:         template.DefaultMemory,
		CreatedAt:      time.Now(),
	}
	if err := h.repo.Create(c.Request.Context(), inst); err != nil {
		if errors.Is(err, appinstance.ErrConflict) {
			respondError(c, http.StatusConflict, err)
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	payload, _ := json.Marshal(appinstance.SpawnPayload{
		InstanceID: inst.ID,
		PublicHost: inst.PublicHost,
		UserEmail:  identity.Email,
		UserSSOID:  identity.UserID,
		Spawner:    inst.Spawner,
	})
	if _, err := h.queue.Enqueue(asynq.NewTask(appinstance.SpawnTask, payload)); err != nil {
		// Nothing will materialize this instance; release the slot.
		h.logger.Error("Spawn enqueue failed", "instance_id", inst.ID, "error", err)
		_ = h.repo.SetState(c.Request.Context(), inst.ID, appinstance.StateStopped)
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("Instance created", "instance_id", inst.ID, "public_host", publicHost)
	c.JSON(http.StatusOK, toInstanceResponse(inst))
}

// Patch promotes SPAWNING to RUNNING. Repeated PATCHes are no-ops; there
// are no backward edges.
func (h *ApplicationHandler) Patch(c *gin.Context) {
	publicHost := c.Param("public_host")

	var req PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.State != appinstance.StateRunning {
		respondError(c, http.StatusBadRequest, appinstance.ErrBadTransition)
		return
	}

	inst, err := h.repo.GetByHost(c.Request.Context(), publicHost)
	if errors.Is(err, appinstance.ErrNotFound) {
		respondError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if !h.authorized(c, inst) {
		return
	}

	if inst.State == appinstance.StateRunning {
		c.JSON(http.StatusOK, toInstanceResponse(inst))
		return
	}
	if err := h.repo.SetState(c.Request.Context(), inst.ID, appinstance.StateRunning); err != nil {
		if errors.Is(err, appinstance.ErrBadTransition) {
			respondError(c, http.StatusConflict, err)
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	inst.State = appinstance.StateRunning
	c.JSON(http.StatusOK, toInstanceResponse(inst))
}

// Delete stops and marks STOPPED. Idempotent: absent or already stopped
// instances return 200.
func (h *ApplicationHandler) Delete(c *gin.Context) {
	publicHost := c.Param("public_host")

	inst, err := h.repo.GetByHost(c.Request.Context(), publicHost)
	if errors.Is(err, appinstance.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if !h.authorized(c, inst) {
		return
	}

	if inst.State != appinstance.StateStopped {
		sp, err := spawner.Select(inst.Spawner, h.process, h.container)
		if err == nil && sp.CanStop(inst.SpawnerOptions, inst.SpawnerInstanceID) {
			if err := sp.Stop(c.Request.Context(), inst.SpawnerOptions, inst.SpawnerInstanceID); err != nil {
				h.logger.Error("Stop failed during delete", "instance_id", inst.ID, "error", err)
			}
		}
		if err := h.repo.SetState(c.Request.Context(), inst.ID, appinstance.StateStopped); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
		h.logger.Info("Instance deleted", "instance_id", inst.ID, "public_host", publicHost)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var errForbidden = errors.New("caller does not own this application")

// authorized enforces ownership on the per-host endpoints: the owner hash
// embedded in the host label must match the caller's identity.
func (h *ApplicationHandler) authorized(c *gin.Context, inst *appinstance.Instance) bool {
	identity := callerIdentity(c)
	if !identity.known() || identity.UserID != inst.OwnerSSOID {
		respondError(c, http.StatusForbidden, errForbidden)
		c.Abort()
		return false
	}
	return true
}

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}
