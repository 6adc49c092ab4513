package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/sandout/pkg/api"
)

const readyPollInterval = 500 * time.Millisecond

// ClaimAcquirer obtains sandbox pods by creating SandboxClaim resources.
// The agent-sandbox controller binds each claim to a Sandbox of the same
// name, whose pod also carries that name.
type ClaimAcquirer struct {
	client    client.Client
	template  string
	namespace string
	timeout   time.Duration
}

// NewClaimAcquirer creates a ClaimAcquirer for the given SandboxTemplate.
func NewClaimAcquirer(c client.Client, template, namespace string, timeout time.Duration) *ClaimAcquirer {
	return &ClaimAcquirer{
		client:    c,
		template:  template,
		namespace: namespace,
		timeout:   timeout,
	}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Acquire creates a claim, waits for its Sandbox to report Ready, and
// returns the sandbox name with a release function that deletes the claim.
func (a *ClaimAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	name := generateClaimNameFn()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "sandout"},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: a.template,
			},
		},
	}

	if err := a.client.Create(ctx, claim); err != nil {
		return "", nil, fmt.Errorf("create SandboxClaim %q: %w", name, err)
	}
	slog.Debug("created SandboxClaim", "name", name, "namespace", a.namespace, "template", a.template)

	if err := a.waitForReady(ctx, name); err != nil {
		a.deleteClaim(context.Background(), name)
		return "", nil, err
	}

	release := func() {
		a.deleteClaim(context.Background(), name)
	}
	return name, release, nil
}

func (a *ClaimAcquirer) waitForReady(ctx context.Context, name string) error {
	deadline := time.After(a.timeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled waiting for Sandbox %q: %w", name, ctx.Err())
		case <-deadline:
			return fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", name, a.timeout)
		case <-ticker.C:
			sb := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: name, Namespace: a.namespace}
			if err := a.client.Get(ctx, key, sb); err != nil {
				// The controller may not have created it yet.
				slog.Debug("waiting for Sandbox", "name", name, "error", err.Error())
				continue
			}
			if isReady(sb) {
				return nil
			}
		}
	}
}

func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// deleteClaim logs failures instead of returning them; it runs on cleanup
// paths where the caller has nothing better to do with the error.
func (a *ClaimAcquirer) deleteClaim(ctx context.Context, name string) {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.namespace,
		},
	}
	if err := a.client.Delete(ctx, claim); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", a.namespace, "error", err.Error())
		return
	}
	slog.Debug("deleted SandboxClaim", "name", name, "namespace", a.namespace)
}

// generateClaimNameFn is replaced in tests for deterministic names.
var generateClaimNameFn = func() string {
	return "sandout-" + strings.ToLower(api.NewExecutionID()[len("exec_"):])
}
