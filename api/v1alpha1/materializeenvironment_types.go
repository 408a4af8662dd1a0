package v1alpha1

import (
	"fmt"

	"github.com/distribution/reference"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RolloutPhase describes where an environment is in its rollout lifecycle.
type RolloutPhase string

const (
	// RolloutIdle means no rollout is requested or running.
	RolloutIdle RolloutPhase = "Idle"
	// RolloutPending means a token change was observed and a rollout is about to start.
	RolloutPending RolloutPhase = "Pending"
	// RolloutInProgress means the primary workload is being replaced.
	RolloutInProgress RolloutPhase = "InProgress"
	// RolloutFailed means the last rollout did not converge; the previous
	// workload is left serving.
	RolloutFailed RolloutPhase = "Failed"
)

// BackendConnection holds the connection URLs for the metadata and persist
// backends. The raw URLs embed credentials and must never be logged.
type BackendConnection struct {
	// +kubebuilder:validation:MinLength=1
	MetadataBackendURL string `json:"metadataBackendURL"`

	// +kubebuilder:validation:MinLength=1
	PersistBackendURL string `json:"persistBackendURL"`
}

// MaterializeEnvironmentSpec defines the desired state of one managed
// environment: the environmentd image to run, its optional balancerd
// companion, and the opaque tokens that trigger rollouts.
type MaterializeEnvironmentSpec struct {
	// +kubebuilder:validation:MinLength=1
	EnvironmentdImageRef string `json:"environmentdImageRef"`

	// EnvironmentdExtraArgs are appended, in order, to the environmentd
	// command line.
	// +optional
	EnvironmentdExtraArgs []string `json:"environmentdExtraArgs,omitempty"`

	// +optional
	EnvironmentdResourceRequirements corev1.ResourceRequirements `json:"environmentdResourceRequirements,omitempty"`

	// +optional
	BalancerdResourceRequirements corev1.ResourceRequirements `json:"balancerdResourceRequirements,omitempty"`

	// EnableBalancerd controls whether the companion load-balancing
	// workload is created.
	// +optional
	EnableBalancerd bool `json:"enableBalancerd,omitempty"`

	// RequestRollout is an opaque token. Any change of value requests a
	// rollout of the primary workload, gated on the environment being
	// healthy. The value itself is never interpreted.
	// +optional
	RequestRollout string `json:"requestRollout,omitempty"`

	// ForceRollout is an opaque token. Any change of value triggers a
	// rollout unconditionally, bypassing health gating.
	// +optional
	ForceRollout string `json:"forceRollout,omitempty"`

	// InPlaceRollout mutates the existing workload's pod template instead
	// of creating a new workload identity and cutting over.
	// +optional
	InPlaceRollout bool `json:"inPlaceRollout,omitempty"`

	BackendConnection BackendConnection `json:"backendConnection"`
}

// MaterializeEnvironmentStatus is the observed state, reported through the
// status subresource.
type MaterializeEnvironmentStatus struct {
	// +optional
	RolloutPhase RolloutPhase `json:"rolloutPhase,omitempty"`

	// LastRequestRollout and LastForceRollout record the token values the
	// last completed (or currently running) rollout was keyed by.
	// +optional
	LastRequestRollout string `json:"lastRequestRollout,omitempty"`

	// +optional
	LastForceRollout string `json:"lastForceRollout,omitempty"`

	// ActiveGeneration is the rollout generation currently serving traffic.
	// +optional
	ActiveGeneration string `json:"activeGeneration,omitempty"`

	// ActiveEnvironmentd is the name of the StatefulSet currently serving.
	// +optional
	ActiveEnvironmentd string `json:"activeEnvironmentd,omitempty"`

	// PendingEnvironmentd is the name of the replacement StatefulSet while
	// a cut-over rollout is in progress.
	// +optional
	PendingEnvironmentd string `json:"pendingEnvironmentd,omitempty"`

	// RolloutStartedAt bounds the health wait for an in-progress rollout.
	// +optional
	RolloutStartedAt *metav1.Time `json:"rolloutStartedAt,omitempty"`

	// Reason carries a human-readable failure reason when RolloutPhase is
	// Failed or when reconciliation cannot proceed.
	// +optional
	Reason string `json:"reason,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=mzenv
// +kubebuilder:printcolumn:name="Image",type=string,JSONPath=`.spec.environmentdImageRef`
// +kubebuilder:printcolumn:name="Rollout",type=string,JSONPath=`.status.rolloutPhase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// MaterializeEnvironment is the Schema for the materializeenvironments API.
// One MaterializeEnvironment maps to exactly one namespace and owns every
// child object (workloads, secrets, network policies) created for it.
type MaterializeEnvironment struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MaterializeEnvironmentSpec   `json:"spec,omitempty"`
	Status MaterializeEnvironmentStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// MaterializeEnvironmentList contains a list of MaterializeEnvironment resources.
type MaterializeEnvironmentList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []MaterializeEnvironment `json:"items"`
}

func init() {
	SchemeBuilder.Register(&MaterializeEnvironment{}, &MaterializeEnvironmentList{})
}

// ValidateSpec checks the invariants that must hold before a spec is
// accepted: a well-formed image reference and resource limits that are not
// smaller than requests. It is pure; callers decide how to surface the error.
func (s *MaterializeEnvironmentSpec) ValidateSpec() error {
	if s.EnvironmentdImageRef == "" {
		return fmt.Errorf("spec.environmentdImageRef is required")
	}
	if _, err := reference.ParseNormalizedNamed(s.EnvironmentdImageRef); err != nil {
		return fmt.Errorf("spec.environmentdImageRef %q is not a valid image reference: %w", s.EnvironmentdImageRef, err)
	}
	if err := validateRequirements("spec.environmentdResourceRequirements", s.EnvironmentdResourceRequirements); err != nil {
		return err
	}
	if err := validateRequirements("spec.balancerdResourceRequirements", s.BalancerdResourceRequirements); err != nil {
		return err
	}
	if s.BackendConnection.MetadataBackendURL == "" {
		return fmt.Errorf("spec.backendConnection.metadataBackendURL is required")
	}
	if s.BackendConnection.PersistBackendURL == "" {
		return fmt.Errorf("spec.backendConnection.persistBackendURL is required")
	}
	return nil
}

func validateRequirements(field string, rr corev1.ResourceRequirements) error {
	for name, limit := range rr.Limits {
		request, ok := rr.Requests[name]
		if !ok {
			continue
		}
		if limit.Cmp(request) < 0 {
			return fmt.Errorf("%s: limit %s (%s) is smaller than request (%s)",
				field, name, limit.String(), request.String())
		}
	}
	return nil
}

// RolloutTokenPair returns the pair of rollout tokens the spec currently
// carries. A rollout is keyed by the pair, so simultaneous changes of both
// tokens produce a single rollout.
func (s *MaterializeEnvironmentSpec) RolloutTokenPair() (request, force string) {
	return s.RequestRollout, s.ForceRollout
}
