// ABOUTME: HTTP handlers for the app registry and the deploy and rollback triggers
// ABOUTME: Request bodies are decoded and checked with go-playground/validator

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/2389/harbor-gateway/internal/auth"
	"github.com/2389/harbor-gateway/internal/deploy"
	"github.com/2389/harbor-gateway/internal/registry"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// maxBodyBytes caps API and webhook request bodies.
const maxBodyBytes = 1 << 20

type registerAppRequest struct {
	Name string `json:"name" validate:"required,max=128,excludesall=/?#"`
	UUID string `json:"uuid"`
	URL  string `json:"url" validate:"omitempty,url"`
	Type string `json:"type"`
	Port int    `json:"port" validate:"gte=0,lte=65535"`
}

type updateAppRequest struct {
	UUID *string `json:"uuid"`
	URL  *string `json:"url" validate:"omitempty,url"`
	Type *string `json:"type"`
	Port *int    `json:"port" validate:"omitempty,gte=0,lte=65535"`
}

// decodeRequest parses a JSON body into v and validates it.
func decodeRequest(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return fmt.Errorf("%s is required", fe.Field())
			}
			return fmt.Errorf("invalid %s: failed %s", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func (g *Gateway) appNotFound(w http.ResponseWriter, name string) {
	g.writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "app not found",
		"app":   name,
	})
}

func (g *Gateway) handleListApps(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.registry.List())
}

func (g *Gateway) handleRegisterApp(w http.ResponseWriter, r *http.Request) {
	var req registerAppRequest
	if err := decodeRequest(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	app, err := g.registry.Register(req.Name, registry.AppData{
		UUID: req.UUID,
		URL:  req.URL,
		Type: req.Type,
		Port: req.Port,
	})
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.logger.Info("app registered", "app", app.Name, "url", app.URL, "by", auth.Subject(r.Context()))
	g.writeJSON(w, http.StatusCreated, app)
}

func (g *Gateway) handleGetApp(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	app, ok := g.registry.Get(name)
	if !ok {
		g.appNotFound(w, name)
		return
	}
	g.writeJSON(w, http.StatusOK, app)
}

func (g *Gateway) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req updateAppRequest
	if err := decodeRequest(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	app := g.registry.Update(name, registry.AppPatch{
		UUID: req.UUID,
		URL:  req.URL,
		Type: req.Type,
		Port: req.Port,
	})
	if app == nil {
		g.appNotFound(w, name)
		return
	}
	g.writeJSON(w, http.StatusOK, app)
}

func (g *Gateway) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !g.coordinator.Remove(name) {
		g.appNotFound(w, name)
		return
	}
	g.logger.Info("app removed", "app", name, "by", auth.Subject(r.Context()))
	g.writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "app": name})
}

func (g *Gateway) handleAppStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	app, ok := g.registry.Get(name)
	if !ok {
		g.appNotFound(w, name)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"app":         app,
		"queue":       g.coordinator.Queue().State(name),
		"subscribers": g.coordinator.Stream().Subscribers(name),
	})
}

func (g *Gateway) handleDeploy(w http.ResponseWriter, r *http.Request) {
	g.submitDeploy(w, r, registry.KindDeploy)
}

func (g *Gateway) handleRollback(w http.ResponseWriter, r *http.Request) {
	g.submitDeploy(w, r, registry.KindRollback)
}

// submitDeploy enqueues a deploy or rollback and answers 202 with the queue position.
func (g *Gateway) submitDeploy(w http.ResponseWriter, r *http.Request, kind registry.DeployKind) {
	name := chi.URLParam(r, "name")
	if _, ok := g.registry.Get(name); !ok {
		g.appNotFound(w, name)
		return
	}

	req, err := parseDeployRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	submit := g.coordinator.Deploy
	if kind == registry.KindRollback {
		submit = g.coordinator.Rollback
	}
	accepted, err := submit(name, req)
	switch {
	case errors.Is(err, registry.ErrAppNotFound):
		g.appNotFound(w, name)
		return
	case errors.Is(err, deploy.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway shutting down")
		return
	case err != nil:
		g.logger.Error("submitting deploy", "app", name, "kind", kind, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusAccepted, accepted)
}

// parseDeployRequest reads an optional JSON object body. "trigger" names the
// initiator; every other key is passed through to the agent.
func parseDeployRequest(r *http.Request) (deploy.Request, error) {
	req := deploy.Request{Trigger: auth.Subject(r.Context())}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return req, fmt.Errorf("reading body: %w", err)
	}
	if len(body) == 0 {
		return req, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return req, errors.New("invalid JSON: body must be an object")
	}
	if t, ok := payload["trigger"].(string); ok && t != "" {
		req.Trigger = t
	}
	delete(payload, "trigger")
	if len(payload) > 0 {
		req.Payload = payload
	}
	return req, nil
}
