package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// residentPodLabel marks pods that opt into age-based reaping.
const residentPodLabel = "resident-pod.cabotage.io=true"

// Reaper deletes the oldest resident pod once it exceeds the maximum
// age. One pod per tick keeps churn bounded; repeated ticks converge.
type Reaper struct {
	client kubernetes.Interface
	logger *slog.Logger
	maxAge time.Duration
	now    func() time.Time
}

// NewReaper constructs a Reaper. maxAge <= 0 defaults to 7 days.
func NewReaper(client kubernetes.Interface, logger *slog.Logger, maxAge time.Duration) *Reaper {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &Reaper{client: client, logger: logger, maxAge: maxAge, now: time.Now}
}

// Reap lists resident pods across all namespaces and deletes the
// oldest if it is over age.
func (r *Reaper) Reap(ctx context.Context) error {
	pods, err := r.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: residentPodLabel,
	})
	if err != nil {
		return fmt.Errorf("listing resident pods: %w", err)
	}

	candidates := make([]corev1.Pod, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.StartTime != nil {
			candidates = append(candidates, pod)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Status.StartTime.Time.Before(candidates[j].Status.StartTime.Time)
	})

	oldest := candidates[0]
	age := r.now().Sub(oldest.Status.StartTime.Time)
	if age <= r.maxAge {
		return nil
	}
	if err := r.client.CoreV1().Pods(oldest.Namespace).Delete(ctx, oldest.Name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("deleting pod %s/%s: %w", oldest.Namespace, oldest.Name, err)
	}
	r.logger.Info("reaped resident pod", "namespace", oldest.Namespace, "pod", oldest.Name, "age", age.String())
	return nil
}
