package kubernetes

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"
)

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme, err := NewScheme()
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	return scheme
}

func newFakeClient(t *testing.T) client.Client {
	t.Helper()
	return fake.NewClientBuilder().
		WithScheme(testScheme(t)).
		WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).
		Build()
}

// simulateReady does what the agent-sandbox controller does for a claim:
// it creates the Sandbox and marks it Ready.
func simulateReady(t *testing.T, c client.Client, name, namespace string) {
	t.Helper()
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
	}
	if err := c.Create(context.Background(), sb); err != nil {
		t.Errorf("simulateReady: create sandbox: %v", err)
		return
	}
	sb.Status.Conditions = []metav1.Condition{
		{
			Type:               string(sandboxv1alpha1.SandboxConditionReady),
			Status:             metav1.ConditionTrue,
			LastTransitionTime: metav1.Now(),
			Reason:             "Ready",
		},
	}
	if err := c.Status().Update(context.Background(), sb); err != nil {
		t.Errorf("simulateReady: update status: %v", err)
	}
}

func withClaimNames(t *testing.T, names ...string) {
	t.Helper()
	var mu sync.Mutex
	orig := generateClaimNameFn
	generateClaimNameFn = func() string {
		mu.Lock()
		defer mu.Unlock()
		name := names[0]
		names = names[1:]
		return name
	}
	t.Cleanup(func() { generateClaimNameFn = orig })
}

func claimExists(t *testing.T, c client.Client, name string) bool {
	t.Helper()
	claim := &extensionsv1alpha1.SandboxClaim{}
	return c.Get(context.Background(), client.ObjectKey{Name: name, Namespace: "default"}, claim) == nil
}

func TestClaimAcquirer_AcquireAndRelease(t *testing.T) {
	c := newFakeClient(t)
	acquirer := NewClaimAcquirer(c, "python", "default", 5*time.Second)
	withClaimNames(t, "claim-001")

	go func() {
		time.Sleep(200 * time.Millisecond)
		simulateReady(t, c, "claim-001", "default")
	}()

	name, release, err := acquirer.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if name != "claim-001" {
		t.Errorf("name = %q, want claim-001", name)
	}

	claim := &extensionsv1alpha1.SandboxClaim{}
	if err := c.Get(context.Background(), client.ObjectKey{Name: "claim-001", Namespace: "default"}, claim); err != nil {
		t.Fatalf("SandboxClaim not found: %v", err)
	}
	if claim.Spec.TemplateRef.Name != "python" {
		t.Errorf("templateRef = %q, want python", claim.Spec.TemplateRef.Name)
	}
	if claim.Labels["app.kubernetes.io/managed-by"] != "sandout" {
		t.Errorf("labels = %v", claim.Labels)
	}

	release()
	if claimExists(t, c, "claim-001") {
		t.Error("SandboxClaim still exists after release")
	}
}

func TestClaimAcquirer_Timeout(t *testing.T) {
	c := newFakeClient(t)
	acquirer := NewClaimAcquirer(c, "python", "default", time.Second)
	withClaimNames(t, "claim-timeout")

	if _, _, err := acquirer.Acquire(context.Background()); err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if claimExists(t, c, "claim-timeout") {
		t.Error("SandboxClaim still exists after timeout")
	}
}

func TestClaimAcquirer_ContextCancelled(t *testing.T) {
	c := newFakeClient(t)
	acquirer := NewClaimAcquirer(c, "python", "default", 30*time.Second)
	withClaimNames(t, "claim-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	if _, _, err := acquirer.Acquire(ctx); err == nil {
		t.Fatal("expected context cancellation error, got nil")
	}
	if claimExists(t, c, "claim-cancel") {
		t.Error("SandboxClaim still exists after context cancel")
	}
}

func TestClaimAcquirer_ConcurrentAcquisitions(t *testing.T) {
	const n = 3
	c := newFakeClient(t)
	acquirer := NewClaimAcquirer(c, "python", "default", 5*time.Second)

	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("concurrent-%d", i+1)
	}
	withClaimNames(t, names...)

	go func() {
		time.Sleep(200 * time.Millisecond)
		for _, name := range names {
			simulateReady(t, c, name, "default")
		}
	}()

	var wg sync.WaitGroup
	got := make([]string, n)
	errs := make([]error, n)
	releases := make([]func(), n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			got[idx], releases[idx], errs[idx] = acquirer.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("goroutine %d: Acquire failed: %v", i, errs[i])
			continue
		}
		if seen[got[i]] {
			t.Errorf("sandbox %q acquired twice", got[i])
		}
		seen[got[i]] = true
		releases[i]()
	}
}

func TestIsReady(t *testing.T) {
	tests := []struct {
		name       string
		conditions []metav1.Condition
		want       bool
	}{
		{
			name: "no conditions",
			want: false,
		},
		{
			name: "ready true",
			conditions: []metav1.Condition{
				{Type: string(sandboxv1alpha1.SandboxConditionReady), Status: metav1.ConditionTrue},
			},
			want: true,
		},
		{
			name: "ready false",
			conditions: []metav1.Condition{
				{Type: string(sandboxv1alpha1.SandboxConditionReady), Status: metav1.ConditionFalse},
			},
			want: false,
		},
		{
			name: "other condition only",
			conditions: []metav1.Condition{
				{Type: "Available", Status: metav1.ConditionTrue},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &sandboxv1alpha1.Sandbox{
				Status: sandboxv1alpha1.SandboxStatus{Conditions: tt.conditions},
			}
			if got := isReady(sb); got != tt.want {
				t.Errorf("isReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateClaimName(t *testing.T) {
	a, b := generateClaimNameFn(), generateClaimNameFn()
	if a == b {
		t.Errorf("names not unique: %q", a)
	}
	for _, r := range a {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			t.Fatalf("name %q is not a DNS label", a)
		}
	}
}
