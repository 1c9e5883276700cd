package deploy

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func residentPod(namespace, name string, started time.Time) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			Labels:    map[string]string{"resident-pod.cabotage.io": "true"},
		},
		Status: corev1.PodStatus{
			StartTime: &metav1.Time{Time: started},
		},
	}
}

func TestReapDeletesOldestExpiredPod(t *testing.T) {
	now := time.Now()
	clientset := fake.NewSimpleClientset(
		residentPod("pypi", "old", now.Add(-8*24*time.Hour)),
		residentPod("pypi", "older", now.Add(-9*24*time.Hour)),
		residentPod("pypi", "young", now.Add(-time.Hour)),
	)
	reaper := NewReaper(clientset, discardLogger(), 7*24*time.Hour)
	reaper.now = func() time.Time { return now }

	if err := reaper.Reap(context.Background()); err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}

	pods, err := clientset.CoreV1().Pods("pypi").List(context.Background(), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("listing pods: %v", err)
	}
	if len(pods.Items) != 2 {
		t.Fatalf("expected one pod reaped, got %d remaining", len(pods.Items))
	}
	for _, pod := range pods.Items {
		if pod.Name == "older" {
			t.Fatal("expected the oldest pod deleted")
		}
	}
}

func TestReapOnePodPerTick(t *testing.T) {
	now := time.Now()
	clientset := fake.NewSimpleClientset(
		residentPod("pypi", "a", now.Add(-10*24*time.Hour)),
		residentPod("pypi", "b", now.Add(-9*24*time.Hour)),
	)
	reaper := NewReaper(clientset, discardLogger(), 7*24*time.Hour)
	reaper.now = func() time.Time { return now }

	if err := reaper.Reap(context.Background()); err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}
	pods, _ := clientset.CoreV1().Pods("pypi").List(context.Background(), metav1.ListOptions{})
	if len(pods.Items) != 1 {
		t.Fatalf("expected exactly one deletion per tick, got %d remaining", len(pods.Items))
	}
}

func TestReapSparesYoungPods(t *testing.T) {
	now := time.Now()
	clientset := fake.NewSimpleClientset(
		residentPod("pypi", "young", now.Add(-time.Hour)),
	)
	reaper := NewReaper(clientset, discardLogger(), 7*24*time.Hour)
	reaper.now = func() time.Time { return now }

	if err := reaper.Reap(context.Background()); err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}
	pods, _ := clientset.CoreV1().Pods("pypi").List(context.Background(), metav1.ListOptions{})
	if len(pods.Items) != 1 {
		t.Fatal("young pod should survive")
	}
}

func TestReapIgnoresPodsWithoutStartTime(t *testing.T) {
	pending := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "pypi",
			Name:      "pending",
			Labels:    map[string]string{"resident-pod.cabotage.io": "true"},
		},
	}
	clientset := fake.NewSimpleClientset(pending)
	reaper := NewReaper(clientset, discardLogger(), time.Minute)

	if err := reaper.Reap(context.Background()); err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}
	pods, _ := clientset.CoreV1().Pods("pypi").List(context.Background(), metav1.ListOptions{})
	if len(pods.Items) != 1 {
		t.Fatal("pending pod should survive")
	}
}

func TestReapEmptyCluster(t *testing.T) {
	reaper := NewReaper(fake.NewSimpleClientset(), discardLogger(), 0)
	if err := reaper.Reap(context.Background()); err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}
}
