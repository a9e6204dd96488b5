package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"syncd/pkg/artifact"
	"syncd/pkg/bus"
	"syncd/pkg/credential"
	"syncd/pkg/httpx"
	"syncd/pkg/signing"
	"syncd/pkg/telemetry"
)

const (
	// DeliveryTimeout bounds one webhook call to a consumer.
	DeliveryTimeout = 20 * time.Second
	maxRetries      = 5
	maxResponseBody = 1 << 20
)

// Orchestrator persists deployment batches and delivers them to consumers.
type Orchestrator struct {
	orm       *gorm.DB
	registry  *Registry
	consumers *Directory
	queue     Queue
	client    *http.Client
	events    EventPublisher
	logger    zerolog.Logger
	backoff   time.Duration
	now       func() time.Time
}

// NewOrchestrator wires the orchestrator. A nil client gets DeliveryTimeout; events is
// optional.
func NewOrchestrator(orm *gorm.DB, registry *Registry, consumers *Directory, queue Queue, client *http.Client, events EventPublisher, logger zerolog.Logger) (*Orchestrator, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if consumers == nil {
		return nil, errors.New("consumer directory is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if client == nil {
		client = telemetry.NewHTTPClient(DeliveryTimeout)
	}

	return &Orchestrator{
		orm:       orm,
		registry:  registry,
		consumers: consumers,
		queue:     queue,
		client:    client,
		events:    events,
		logger:    logger,
		backoff:   500 * time.Millisecond,
		now:       time.Now,
	}, nil
}

func normalizeRequest(req DeployRequest) (DeployRequest, error) {
	if len(req.TemplateIDs) == 0 {
		return req, fmt.Errorf("%w: template_ids is required", ErrBadRequest)
	}
	for _, id := range req.TemplateIDs {
		if id == uuid.Nil {
			return req, fmt.Errorf("%w: template_ids contains an empty id", ErrBadRequest)
		}
	}

	targets := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return req, fmt.Errorf("%w: targets is required", ErrBadRequest)
	}
	req.Targets = targets

	req.Options.Version = strings.TrimSpace(req.Options.Version)
	if req.Options.Retries < 0 || req.Options.Retries > maxRetries {
		return req, fmt.Errorf("%w: retries must be between 0 and %d", ErrBadRequest, maxRetries)
	}
	return req, nil
}

// Enqueue records a queued deployment and hands it to the worker. It performs no network
// I/O towards consumers.
func (o *Orchestrator) Enqueue(ctx context.Context, req DeployRequest) (Deployment, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Deployment{}, err
	}
	if req.Options.DryRun {
		return Deployment{}, fmt.Errorf("%w: dry runs are previewed, not queued", ErrBadRequest)
	}
	versions := make(map[uuid.UUID]string, len(req.TemplateIDs))
	for _, id := range req.TemplateIDs {
		row, err := o.registry.versionRow(ctx, id, req.Options.Version)
		if err != nil {
			return Deployment{}, err
		}
		versions[id] = row.Version
	}

	model := deploymentModel{
		ID:          uuid.New(),
		TemplateIDs: mustJSON(req.TemplateIDs),
		Targets:     mustJSON(req.Targets),
		Options:     mustJSON(req.Options),
		Versions:    mustJSON(versions),
		Status:      StatusQueued,
		Results:     mustJSON([]TargetResult{}),
		CreatedAt:   o.now().UTC(),
	}
	if err := o.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return Deployment{}, fmt.Errorf("create deployment: %w", err)
	}

	if err := o.queue.Submit(ctx, model.ID); err != nil {
		completed := o.now().UTC()
		_ = o.orm.WithContext(context.WithoutCancel(ctx)).
			Model(&deploymentModel{}).
			Where("id = ?", model.ID).
			Updates(map[string]any{"status": StatusFailed, "completed_at": completed}).Error
		return Deployment{}, fmt.Errorf("queue deployment: %w", err)
	}
	deploymentsTotal.WithLabelValues(StatusQueued).Inc()

	o.logger.Info().
		Str("deployment_id", model.ID.String()).
		Int("templates", len(req.TemplateIDs)).
		Int("targets", len(req.Targets)).
		Msg("deployment queued")
	return model.toAPI()
}

// Process runs a queued deployment: every target is attempted in order and its outcome
// recorded on its own. Deployments that are not queued are left alone, so redelivered
// queue messages are harmless.
func (o *Orchestrator) Process(ctx context.Context, id uuid.UUID) error {
	started := o.now().UTC()
	res := o.orm.WithContext(ctx).
		Model(&deploymentModel{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]any{"status": StatusRunning, "started_at": started})
	if res.Error != nil {
		return fmt.Errorf("claim deployment %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		o.logger.Debug().Str("deployment_id", id.String()).Msg("deployment not queued; skipping")
		return nil
	}

	var model deploymentModel
	if err := o.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return fmt.Errorf("load deployment %s: %w", id, err)
	}
	d, err := model.toAPI()
	if err != nil {
		return fmt.Errorf("decode deployment %s: %w", id, err)
	}

	results := o.dispatch(ctx, d.TemplateIDs, d.Versions, d.Targets, d.Options, false)

	status := StatusCompleted
	for _, r := range results {
		if !r.OK {
			status = StatusFailed
			break
		}
	}

	completed := o.now().UTC()
	if err := o.orm.WithContext(context.WithoutCancel(ctx)).
		Model(&deploymentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"results":      mustJSON(results),
			"completed_at": completed,
		}).Error; err != nil {
		return fmt.Errorf("finish deployment %s: %w", id, err)
	}
	deploymentsTotal.WithLabelValues(status).Inc()

	if o.events != nil {
		if err := o.events.Publish(ctx, bus.SubjectDeploymentFinished, map[string]any{
			"deployment_id": id,
			"status":        status,
		}); err != nil {
			o.logger.Warn().Err(err).Msg("publish deployment finished")
		}
	}

	o.logger.Info().
		Str("deployment_id", id.String()).
		Str("status", status).
		Dur("duration", completed.Sub(started)).
		Msg("deployment finished")
	return nil
}

// Recover settles deployments left behind by a previous process. Queued rows are
// submitted again. Running rows whose start is older than staleAfter are failed with an
// interrupted result per target, since their partial outcome was never recorded.
func (o *Orchestrator) Recover(ctx context.Context, staleAfter time.Duration) error {
	var queued []deploymentModel
	if err := o.orm.WithContext(ctx).
		Where("status = ?", StatusQueued).
		Order("created_at ASC").
		Find(&queued).Error; err != nil {
		return fmt.Errorf("list queued deployments: %w", err)
	}
	for _, m := range queued {
		if err := o.queue.Submit(ctx, m.ID); err != nil {
			o.logger.Error().Err(err).Str("deployment_id", m.ID.String()).Msg("resubmit deployment")
			o.interrupt(ctx, m, StatusQueued, "not queued")
			continue
		}
		o.logger.Info().Str("deployment_id", m.ID.String()).Msg("deployment resubmitted")
	}

	cutoff := o.now().UTC().Add(-staleAfter)
	var running []deploymentModel
	if err := o.orm.WithContext(ctx).
		Where("status = ? AND (started_at IS NULL OR started_at <= ?)", StatusRunning, cutoff).
		Find(&running).Error; err != nil {
		return fmt.Errorf("list running deployments: %w", err)
	}
	for _, m := range running {
		o.interrupt(ctx, m, StatusRunning, "interrupted")
	}
	return nil
}

// interrupt fails a deployment that is still in status from, recording reason against
// every target.
func (o *Orchestrator) interrupt(ctx context.Context, m deploymentModel, from, reason string) {
	var targets []string
	_ = unmarshalOptional(m.Targets, &targets)
	results := make([]TargetResult, 0, len(targets))
	for _, t := range targets {
		results = append(results, TargetResult{Target: t, Error: reason})
	}

	res := o.orm.WithContext(context.WithoutCancel(ctx)).
		Model(&deploymentModel{}).
		Where("id = ? AND status = ?", m.ID, from).
		Updates(map[string]any{
			"status":       StatusFailed,
			"results":      mustJSON(results),
			"completed_at": o.now().UTC(),
		})
	if res.Error != nil {
		o.logger.Error().Err(res.Error).Str("deployment_id", m.ID.String()).Msg("fail stale deployment")
		return
	}
	if res.RowsAffected > 0 {
		deploymentsTotal.WithLabelValues(StatusFailed).Inc()
		o.logger.Warn().Str("deployment_id", m.ID.String()).Str("reason", reason).Msg("stale deployment failed")
	}
}

// Preview asks every target for a dry-run diff and returns the results directly. Nothing
// is persisted.
func (o *Orchestrator) Preview(ctx context.Context, req DeployRequest) ([]TargetResult, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	return o.dispatch(ctx, req.TemplateIDs, nil, req.Targets, req.Options, true), nil
}

// Get returns one deployment.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (Deployment, error) {
	var model deploymentModel
	if err := o.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Deployment{}, fmt.Errorf("%w: deployment %s", ErrNotFound, id)
		}
		return Deployment{}, err
	}
	return model.toAPI()
}

// List returns the most recent deployments.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]Deployment, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var models []deploymentModel
	if err := o.orm.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Deployment, 0, len(models))
	for _, m := range models {
		d, err := m.toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type resolvedTemplate struct {
	id       uuid.UUID
	artifact artifact.Artifact
	err      error
}

func (o *Orchestrator) dispatch(ctx context.Context, templateIDs []uuid.UUID, pinned map[uuid.UUID]string, targets []string, opts Options, dryRun bool) []TargetResult {
	resolved := make([]resolvedTemplate, 0, len(templateIDs))
	for _, id := range templateIDs {
		version := opts.Version
		if v, ok := pinned[id]; ok {
			version = v
		}
		a, err := o.registry.Version(ctx, id, version)
		resolved = append(resolved, resolvedTemplate{id: id, artifact: a, err: err})
	}

	results := make([]TargetResult, 0, len(targets))
	for _, target := range targets {
		results = append(results, o.dispatchTarget(ctx, target, resolved, opts, dryRun))
	}
	return results
}

func (o *Orchestrator) dispatchTarget(ctx context.Context, target string, templates []resolvedTemplate, opts Options, dryRun bool) TargetResult {
	result := TargetResult{Target: target, OK: true}
	fail := func(msg string) TargetResult {
		result.OK = false
		if result.Error == "" {
			result.Error = msg
		}
		return result
	}

	consumer, err := o.consumers.Resolve(ctx, target)
	if err != nil {
		o.logger.Warn().Err(err).Str("target", target).Msg("resolve deployment target")
		if errors.Is(err, ErrNotFound) {
			return fail("unknown target")
		}
		return fail(err.Error())
	}
	cred, err := o.consumers.Credential(ctx, consumer)
	if err != nil {
		o.logger.Warn().Err(err).Str("target", target).Msg("load target credential")
		return fail("missing credential")
	}

	for _, tmpl := range templates {
		item := ItemResult{GlobalTemplateID: tmpl.id}
		if tmpl.err != nil {
			item.Error = errorCode(tmpl.err)
		} else {
			item = o.deliver(ctx, consumer, cred, tmpl.artifact, opts, dryRun)
		}
		result.Items = append(result.Items, item)
		if item.StatusCode != 0 {
			result.StatusCode = item.StatusCode
		}
		if !item.OK {
			o.logger.Warn().
				Str("target", target).
				Str("global_template_id", tmpl.id.String()).
				Str("error", item.Error).
				Msg("delivery failed")
			result = fail(item.Error)
		}
	}
	return result
}

type webhookRequest struct {
	ArtifactURL string             `json:"artifact_url,omitempty"`
	Artifact    *artifact.Artifact `json:"artifact,omitempty"`
	DryRun      bool               `json:"dry_run"`
}

type webhookResponse struct {
	OK        bool           `json:"ok"`
	PostID    int64          `json:"post_id"`
	Version   string         `json:"version"`
	Unchanged bool           `json:"unchanged"`
	DryRun    bool           `json:"dry_run"`
	Diff      *artifact.Diff `json:"diff"`
	Error     string         `json:"error"`
}

func (o *Orchestrator) deliver(ctx context.Context, consumer Consumer, cred credential.Credential, a artifact.Artifact, opts Options, dryRun bool) ItemResult {
	item := ItemResult{GlobalTemplateID: a.GlobalTemplateID, Version: a.Version}

	payload := webhookRequest{DryRun: dryRun}
	if !opts.Inline {
		link, err := o.registry.ArtifactURL(ctx, a.GlobalTemplateID, a.Version)
		if err != nil {
			o.logger.Debug().Err(err).Msg("artifact url unavailable; sending inline")
		}
		payload.ArtifactURL = link
	}
	if payload.ArtifactURL == "" {
		inline := a
		payload.Artifact = &inline
	}
	body, err := json.Marshal(payload)
	if err != nil {
		item.Error = "encode request"
		return item
	}

	endpoint := consumer.URL + "/webhook/deploy"
	start := o.now()
	backoff := retry.WithMaxRetries(uint64(opts.Retries), retry.NewExponential(o.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, resp, err := o.post(ctx, endpoint, body, cred)
		item.StatusCode = status
		if err != nil {
			return retry.RetryableError(err)
		}
		if status >= http.StatusInternalServerError {
			return retry.RetryableError(remoteError(status, resp))
		}
		if status < 200 || status >= 300 || (!resp.OK && !resp.DryRun) {
			return remoteError(status, resp)
		}

		item.OK = true
		item.Error = ""
		item.PostID = resp.PostID
		item.Unchanged = resp.Unchanged
		item.Diff = resp.Diff
		if resp.Version != "" {
			item.Version = resp.Version
		}
		return nil
	})
	deliveryDuration.Observe(o.now().Sub(start).Seconds())

	if err != nil {
		item.OK = false
		item.Error = deliveryErrorText(err)
		deliveriesTotal.WithLabelValues("failure").Inc()
		return item
	}
	deliveriesTotal.WithLabelValues("success").Inc()
	return item
}

func (o *Orchestrator) post(ctx context.Context, endpoint string, body []byte, cred credential.Credential) (int, webhookResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, webhookResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	signing.SignRequest(req, body, cred.Token, cred.Secret, o.now())

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, webhookResponse{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	var decoded webhookResponse
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, decoded, fmt.Errorf("%w: read response: %w", ErrDeliveryFailed, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp.StatusCode, decoded, nil
}

type remoteFailure struct {
	status int
	code   string
}

func (e remoteFailure) Error() string {
	if e.code != "" {
		return e.code
	}
	return fmt.Sprintf("status %d", e.status)
}

func remoteError(status int, resp webhookResponse) error {
	return remoteFailure{status: status, code: resp.Error}
}

func deliveryErrorText(err error) string {
	var remote remoteFailure
	if errors.As(err, &remote) {
		return remote.Error()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return httpx.CodeFetchFailed
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return httpx.CodeNotFound
	case errors.Is(err, ErrValidationFailed), errors.Is(err, artifact.ErrInvalid):
		return httpx.CodeArtifactInvalid
	default:
		return httpx.CodeInternal
	}
}
