package controllers

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	materializev1alpha1 "github.com/materializeinc/environmentd-operator/api/v1alpha1"
)

// AnnotationRetryCount tracks consecutive transient reconcile failures on the
// environment itself, so the budget survives operator restarts.
const AnnotationRetryCount = "materialize.cloud/retry-count"

// BackoffConfig holds configuration for exponential backoff.
type BackoffConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// CalculateExponentialBackoff calculates the exponential backoff delay with
// jitter. retryCount is the current retry attempt, 0-based.
func CalculateExponentialBackoff(retryCount int, config *BackoffConfig) time.Duration {
	if config == nil {
		config = DefaultBackoffConfig()
	}

	backoffDelay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(retryCount))
	if backoffDelay > float64(config.MaxDelay) {
		backoffDelay = float64(config.MaxDelay)
	}

	// Jitter spreads out retries so environments that failed together do
	// not all come back at once.
	jitterRange := backoffDelay * config.JitterFactor
	jitter := (rand.Float64() - 0.5) * 2 * jitterRange
	finalDelay := backoffDelay + jitter

	if finalDelay < float64(config.BaseDelay) {
		finalDelay = float64(config.BaseDelay)
	}

	return time.Duration(finalDelay)
}

// GetRetryCount retrieves the transient-failure retry count from annotations.
func GetRetryCount(env *materializev1alpha1.MaterializeEnvironment) int {
	if env.Annotations == nil {
		return 0
	}
	if countStr, exists := env.Annotations[AnnotationRetryCount]; exists {
		if count, err := strconv.Atoi(countStr); err == nil {
			return count
		}
	}
	return 0
}

// SetRetryCount records the transient-failure retry count in annotations.
func SetRetryCount(env *materializev1alpha1.MaterializeEnvironment, count int) {
	if env.Annotations == nil {
		env.Annotations = make(map[string]string)
	}
	env.Annotations[AnnotationRetryCount] = strconv.Itoa(count)
}

// ClearRetryCount removes the retry count annotation.
func ClearRetryCount(env *materializev1alpha1.MaterializeEnvironment) {
	if env.Annotations == nil {
		return
	}
	delete(env.Annotations, AnnotationRetryCount)
}

// UpdateCondition updates or adds a condition to a condition slice.
func UpdateCondition(conditions *[]metav1.Condition, newCondition metav1.Condition) {
	if conditions == nil {
		return
	}
	for i, condition := range *conditions {
		if condition.Type == newCondition.Type {
			if condition.Status == newCondition.Status {
				newCondition.LastTransitionTime = condition.LastTransitionTime
			}
			(*conditions)[i] = newCondition
			return
		}
	}
	*conditions = append(*conditions, newCondition)
}

// isConditionTrue checks if a condition is present and true.
func isConditionTrue(conditions []metav1.Condition, conditionType string) bool {
	for _, condition := range conditions {
		if condition.Type == conditionType {
			return condition.Status == metav1.ConditionTrue
		}
	}
	return false
}

// keyedMutex serializes work per key. Reconciles for different environments
// run in parallel; two reconciles for the same environment never do.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	m    sync.Mutex
	refs int
}

// lock blocks until the key is held and returns the release function.
func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	entry := k.entries[key]
	if entry == nil {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.m.Lock()
	return func() {
		entry.m.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
