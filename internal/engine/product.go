package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
	"github.com/readystack/readystackgo/internal/variables"
)

// StackConfig selects one stack of a product and its per-stack values.
type StackConfig struct {
	StackDefinitionID string
	StackName         string
	Variables         map[string]string
}

// ProductRequest carries the inputs of a product-wide operation. Stacks must
// cover every definition of the product; SharedVariables are overlaid on each
// stack's values for the names the product declares in two or more stacks.
type ProductRequest struct {
	EnvironmentID   string
	ProductID       string
	Stacks          []StackConfig
	SharedVariables map[string]string
	ContinueOnError bool
	SessionID       string
}

// StackResult reports one stack's outcome within a product operation.
type StackResult struct {
	StackDefinitionID string `json:"stack_definition_id"`
	StackName         string `json:"stack_name"`
	DeploymentID      string `json:"deployment_id,omitempty"`
	Succeeded         bool   `json:"succeeded"`
	Error             string `json:"error,omitempty"`
}

// ProductResult aggregates a product operation across its stacks.
type ProductResult struct {
	ProductDeploymentID string              `json:"product_deployment_id,omitempty"`
	Status              store.ProductStatus `json:"status"`
	Stacks              []StackResult       `json:"stacks"`
}

// DeployProduct installs every stack of a product sequentially in the
// product's declared order, relaying each stack's progress through the shared
// session. With ContinueOnError a failed stack is recorded and the next one
// still runs; otherwise the first failure stops the sequence.
func (e *Engine) DeployProduct(ctx context.Context, req ProductRequest) (ProductResult, error) {
	var result ProductResult
	if req.SessionID == "" {
		return result, errdefs.Validation("session id is required")
	}
	product, err := e.getProduct(req.ProductID)
	if err != nil {
		return result, err
	}
	ordered, err := orderStacks(product, req.Stacks)
	if err != nil {
		return result, err
	}
	sharedNames, declared, err := e.productVariables(product)
	if err != nil {
		return result, err
	}
	sealedShared, err := e.sealConfiguration(declared, req.SharedVariables)
	if err != nil {
		return result, err
	}

	pd := store.ProductDeployment{
		ID:              uuid.NewString(),
		EnvironmentID:   req.EnvironmentID,
		ProductID:       product.ID,
		ProductVersion:  product.Version,
		Status:          store.ProductInProgress,
		SharedVariables: sealedShared,
		CreatedAt:       e.clock.Now().UTC(),
	}
	if err := e.store.PutProductDeployment(pd); err != nil {
		return result, fmt.Errorf("create product deployment record: %w", err)
	}

	e.log.Info("product deploy started", "product", product.ID, "version", product.Version, "environment", req.EnvironmentID, "stacks", len(ordered))
	em := e.newEmitter(req.SessionID, fullWindow)
	start := e.clock.Now()

	n := len(ordered)
	results := make([]StackResult, 0, n)
	var firstErr error
	for k, cfg := range ordered {
		res := StackResult{StackDefinitionID: cfg.StackDefinitionID, StackName: cfg.StackName}
		if firstErr != nil && !req.ContinueOnError {
			res.Error = "skipped: earlier stack failed"
			results = append(results, res)
			continue
		}

		win := stackWindow(k+1, n)
		em.progress(progress.Event{
			Phase:             progress.PhaseProductDeploy,
			Message:           fmt.Sprintf("Deploying stack %d/%d: %s", k+1, n, cfg.StackName),
			PercentComplete:   win.lo,
			CurrentService:    cfg.StackName,
			TotalServices:     n,
			CompletedServices: k,
		})

		depID, depErr := e.deployStack(ctx, DeployRequest{
			EnvironmentID:     req.EnvironmentID,
			StackDefinitionID: cfg.StackDefinitionID,
			StackName:         cfg.StackName,
			Variables:         variables.OverlayShared(cfg.Variables, req.SharedVariables, sharedNames),
			SessionID:         req.SessionID,
			AttemptID:         fmt.Sprintf("%s-%d", req.SessionID, k+1),
		}, win)

		res.DeploymentID = depID
		if depErr != nil {
			res.Error = depErr.Error()
			if firstErr == nil {
				firstErr = depErr
			}
		} else {
			res.Succeeded = true
		}
		results = append(results, res)
		if depID != "" {
			e.linkToProduct(depID, pd.ID)
			pd.DeploymentIDs = append(pd.DeploymentIDs, depID)
			e.putProductRecord(&pd)
		}
	}

	pd.Status = aggregateStatus(results)
	e.putProductRecord(&pd)
	result = ProductResult{ProductDeploymentID: pd.ID, Status: pd.Status, Stacks: results}

	metrics.OperationDuration.WithLabelValues("product_deploy").Observe(e.clock.Since(start).Seconds())
	e.finishProduct(em, "product_deploy", fmt.Sprintf("product %s", product.Name), result, firstErr, req.ContinueOnError)
	if firstErr != nil && !req.ContinueOnError {
		return result, firstErr
	}
	return result, nil
}

// UpgradeProduct upgrades every stack of a product sequentially in declared
// order. Each StackConfig names the new definition for the deployment that
// currently carries the config's stack name. Every targeted deployment must
// exist before any stack is touched.
func (e *Engine) UpgradeProduct(ctx context.Context, req ProductRequest) (ProductResult, error) {
	var result ProductResult
	if req.SessionID == "" {
		return result, errdefs.Validation("session id is required")
	}
	product, err := e.getProduct(req.ProductID)
	if err != nil {
		return result, err
	}
	ordered, err := orderStacks(product, req.Stacks)
	if err != nil {
		return result, err
	}
	sharedNames, declared, err := e.productVariables(product)
	if err != nil {
		return result, err
	}
	sealedShared, err := e.sealConfiguration(declared, req.SharedVariables)
	if err != nil {
		return result, err
	}

	existing := make([]store.Deployment, len(ordered))
	for i, cfg := range ordered {
		d, err := e.store.FindDeploymentByName(req.EnvironmentID, cfg.StackName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return result, errdefs.NotFound("deployment", cfg.StackName)
			}
			return result, err
		}
		existing[i] = d
	}

	pd, found := e.findProductRecord(existing)
	if !found {
		pd = store.ProductDeployment{
			ID:            uuid.NewString(),
			EnvironmentID: req.EnvironmentID,
			ProductID:     product.ID,
			CreatedAt:     e.clock.Now().UTC(),
		}
	}
	pd.ProductVersion = product.Version
	pd.Status = store.ProductInProgress
	pd.SharedVariables = sealedShared
	for _, d := range existing {
		pd.DeploymentIDs = mergeNames(pd.DeploymentIDs, []string{d.ID})
	}
	if err := e.store.PutProductDeployment(pd); err != nil {
		return result, fmt.Errorf("update product deployment record: %w", err)
	}

	e.log.Info("product upgrade started", "product", product.ID, "version", product.Version, "environment", req.EnvironmentID, "stacks", len(ordered))
	em := e.newEmitter(req.SessionID, fullWindow)
	start := e.clock.Now()

	n := len(ordered)
	results := make([]StackResult, 0, n)
	var firstErr error
	for k, cfg := range ordered {
		res := StackResult{StackDefinitionID: cfg.StackDefinitionID, StackName: cfg.StackName, DeploymentID: existing[k].ID}
		if firstErr != nil && !req.ContinueOnError {
			res.Error = "skipped: earlier stack failed"
			results = append(results, res)
			continue
		}

		win := stackWindow(k+1, n)
		em.progress(progress.Event{
			Phase:             progress.PhaseProductDeploy,
			Message:           fmt.Sprintf("Upgrading stack %d/%d: %s", k+1, n, cfg.StackName),
			PercentComplete:   win.lo,
			CurrentService:    cfg.StackName,
			TotalServices:     n,
			CompletedServices: k,
		})

		upErr := e.upgradeStack(ctx, UpgradeRequest{
			EnvironmentID:        req.EnvironmentID,
			DeploymentID:         existing[k].ID,
			NewStackDefinitionID: cfg.StackDefinitionID,
			Variables:            variables.OverlayShared(cfg.Variables, req.SharedVariables, sharedNames),
			SessionID:            req.SessionID,
			AttemptID:            fmt.Sprintf("%s-%d", req.SessionID, k+1),
		}, win)

		if upErr != nil {
			res.Error = upErr.Error()
			if firstErr == nil {
				firstErr = upErr
			}
		} else {
			res.Succeeded = true
		}
		results = append(results, res)
		e.linkToProduct(existing[k].ID, pd.ID)
	}

	pd.Status = aggregateStatus(results)
	e.putProductRecord(&pd)
	result = ProductResult{ProductDeploymentID: pd.ID, Status: pd.Status, Stacks: results}

	metrics.OperationDuration.WithLabelValues("product_upgrade").Observe(e.clock.Since(start).Seconds())
	e.finishProduct(em, "product_upgrade", fmt.Sprintf("product %s", product.Name), result, firstErr, req.ContinueOnError)
	if firstErr != nil && !req.ContinueOnError {
		return result, firstErr
	}
	return result, nil
}

// RemoveProduct removes the product's stacks in reverse declared order, so
// dependents come down before the stacks they rely on. A stack whose
// deployment is already gone counts as removed. When every stack is gone the
// product deployment record is deleted too.
func (e *Engine) RemoveProduct(ctx context.Context, req ProductRequest) (ProductResult, error) {
	var result ProductResult
	if req.SessionID == "" {
		return result, errdefs.Validation("session id is required")
	}
	ordered := req.Stacks
	if product, err := e.getProduct(req.ProductID); err == nil {
		if ordered, err = orderStacks(product, req.Stacks); err != nil {
			return result, err
		}
	} else if !errdefs.IsKind(err, errdefs.KindNotFound) {
		return result, err
	}
	// A product that has vanished from the catalog can still be removed; the
	// request's own order stands in for the declared one.

	e.log.Info("product remove started", "product", req.ProductID, "environment", req.EnvironmentID, "stacks", len(ordered))
	em := e.newEmitter(req.SessionID, fullWindow)
	start := e.clock.Now()

	n := len(ordered)
	results := make([]StackResult, 0, n)
	removed := make(map[string]bool, n)
	var pd store.ProductDeployment
	var pdFound bool
	var firstErr error
	for i := n - 1; i >= 0; i-- {
		cfg := ordered[i]
		k := n - i
		res := StackResult{StackDefinitionID: cfg.StackDefinitionID, StackName: cfg.StackName}
		if firstErr != nil && !req.ContinueOnError {
			res.Error = "skipped: earlier stack failed"
			results = append(results, res)
			continue
		}

		win := stackWindow(k, n)
		em.progress(progress.Event{
			Phase:             progress.PhaseProductRemoval,
			Message:           fmt.Sprintf("Removing stack %d/%d: %s", k, n, cfg.StackName),
			PercentComplete:   win.lo,
			CurrentService:    cfg.StackName,
			TotalServices:     n,
			CompletedServices: k - 1,
		})

		d, err := e.store.FindDeploymentByName(req.EnvironmentID, cfg.StackName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Already gone, nothing to do.
				res.Succeeded = true
				results = append(results, res)
				continue
			}
			res.Error = err.Error()
			results = append(results, res)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.DeploymentID = d.ID
		if !pdFound {
			pd, pdFound = e.findProductRecord([]store.Deployment{d})
		}

		rmErr := e.removeStack(ctx, RemoveRequest{
			EnvironmentID: req.EnvironmentID,
			DeploymentID:  d.ID,
			SessionID:     req.SessionID,
			AttemptID:     fmt.Sprintf("%s-%d", req.SessionID, k),
		}, win)

		if rmErr != nil {
			res.Error = rmErr.Error()
			if firstErr == nil {
				firstErr = rmErr
			}
		} else {
			res.Succeeded = true
			removed[d.ID] = true
		}
		results = append(results, res)
	}

	status := aggregateStatus(results)
	if pdFound {
		if status == store.ProductSucceeded {
			if err := e.store.DeleteProductDeployment(pd.ID); err != nil {
				e.log.Warn("could not delete product deployment record", "product_deployment", pd.ID, "error", err)
			}
		} else {
			var remaining []string
			for _, id := range pd.DeploymentIDs {
				if !removed[id] {
					remaining = append(remaining, id)
				}
			}
			pd.DeploymentIDs = remaining
			pd.Status = status
			e.putProductRecord(&pd)
		}
		result.ProductDeploymentID = pd.ID
	}
	result.Status = status
	result.Stacks = results

	metrics.OperationDuration.WithLabelValues("product_remove").Observe(e.clock.Since(start).Seconds())
	e.finishProduct(em, "product_remove", fmt.Sprintf("product %s", req.ProductID), result, firstErr, req.ContinueOnError)
	if firstErr != nil && !req.ContinueOnError {
		return result, firstErr
	}
	return result, nil
}

// finishProduct publishes the orchestrator's terminal event and counts the
// outcome. A partial result under ContinueOnError terminates the session
// without an error flag; the per-stack results carry the failures.
func (e *Engine) finishProduct(em *emitter, opLabel, subject string, result ProductResult, firstErr error, continueOnError bool) {
	ok := 0
	for _, r := range result.Stacks {
		if r.Succeeded {
			ok++
		}
	}
	switch {
	case firstErr != nil && !continueOnError:
		metrics.OperationsTotal.WithLabelValues(opLabel, "failure").Inc()
		em.fail(firstErr)
	case result.Status == store.ProductFailed:
		metrics.OperationsTotal.WithLabelValues(opLabel, "failure").Inc()
		em.fail(firstErr)
	case result.Status == store.ProductPartial:
		metrics.OperationsTotal.WithLabelValues(opLabel, "partial").Inc()
		em.complete(fmt.Sprintf("%s finished with failures: %d/%d stacks succeeded", subject, ok, len(result.Stacks)))
	default:
		metrics.OperationsTotal.WithLabelValues(opLabel, "success").Inc()
		em.complete(fmt.Sprintf("%s finished: %d/%d stacks succeeded", subject, ok, len(result.Stacks)))
	}
	e.log.Info("product operation finished", "operation", opLabel, "status", result.Status, "succeeded", ok, "total", len(result.Stacks))
}

// getProduct loads a product, mapping a missing record to NotFound.
func (e *Engine) getProduct(id string) (store.Product, error) {
	product, err := e.store.GetProduct(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return product, errdefs.NotFound("product", id)
		}
		return product, err
	}
	return product, nil
}

// orderStacks arranges the request's configs in the product's declared order
// and rejects requests that do not cover the product exactly.
func orderStacks(p store.Product, configs []StackConfig) ([]StackConfig, error) {
	byDef := make(map[string]StackConfig, len(configs))
	for _, cfg := range configs {
		if _, dup := byDef[cfg.StackDefinitionID]; dup {
			return nil, errdefs.Validation("duplicate configuration for stack definition %s", cfg.StackDefinitionID)
		}
		byDef[cfg.StackDefinitionID] = cfg
	}
	ordered := make([]StackConfig, 0, len(p.StackDefinitionIDs))
	for _, defID := range p.StackDefinitionIDs {
		cfg, ok := byDef[defID]
		if !ok {
			return nil, errdefs.Validation("missing configuration for stack definition %s", defID)
		}
		ordered = append(ordered, cfg)
		delete(byDef, defID)
	}
	if len(byDef) > 0 {
		strays := make([]string, 0, len(byDef))
		for defID := range byDef {
			strays = append(strays, defID)
		}
		sort.Strings(strays)
		return nil, errdefs.Validation("stack definition %s is not part of product %s", strays[0], p.ID)
	}
	return ordered, nil
}

// productVariables loads each stack definition and returns the product's
// shared variable names plus the union of declarations, used to seal shared
// secret values before they reach the store.
func (e *Engine) productVariables(p store.Product) ([]string, []store.Variable, error) {
	perStack := make([][]store.Variable, 0, len(p.StackDefinitionIDs))
	var declared []store.Variable
	for _, defID := range p.StackDefinitionIDs {
		def, err := e.store.GetDefinition(defID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, errdefs.NotFound("stack definition", defID)
			}
			return nil, nil, err
		}
		perStack = append(perStack, def.Variables)
		declared = append(declared, def.Variables...)
	}
	return variables.SharedNames(perStack), declared, nil
}

// aggregateStatus folds per-stack outcomes into the product status.
func aggregateStatus(results []StackResult) store.ProductStatus {
	ok := 0
	for _, r := range results {
		if r.Succeeded {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return store.ProductSucceeded
	case ok == 0:
		return store.ProductFailed
	default:
		return store.ProductPartial
	}
}

// findProductRecord follows the deployments' back-reference to their product
// deployment record, returning the first one that still resolves.
func (e *Engine) findProductRecord(deployments []store.Deployment) (store.ProductDeployment, bool) {
	for _, d := range deployments {
		if d.ProductDeploymentID == "" {
			continue
		}
		pd, err := e.store.GetProductDeployment(d.ProductDeploymentID)
		if err == nil {
			return pd, true
		}
	}
	return store.ProductDeployment{}, false
}

// linkToProduct stamps the product deployment id onto a stack's record.
func (e *Engine) linkToProduct(deploymentID, productDeploymentID string) {
	_, err := e.store.UpdateDeployment(deploymentID, func(cur *store.Deployment) error {
		cur.ProductDeploymentID = productDeploymentID
		return nil
	})
	if err != nil {
		e.log.Warn("could not link deployment to product", "deployment", deploymentID, "product_deployment", productDeploymentID, "error", err)
	}
}

// putProductRecord persists the record, logging rather than failing the
// operation when the write does not go through.
func (e *Engine) putProductRecord(pd *store.ProductDeployment) {
	if err := e.store.PutProductDeployment(*pd); err != nil {
		e.log.Error("could not persist product deployment record", "product_deployment", pd.ID, "error", err)
	}
}
