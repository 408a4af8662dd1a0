package v1alpha1

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// log is for logging in this package.
var materializeenvironmentlog = logf.Log.WithName("materializeenvironment-resource")

// SetupWebhookWithManager will setup the manager to manage the webhooks
func (r *MaterializeEnvironment) SetupWebhookWithManager(mgr ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(mgr).
		For(r).
		WithDefaulter(r).
		WithValidator(r).
		Complete()
}

//+kubebuilder:webhook:path=/mutate-materialize-cloud-v1alpha1-materializeenvironment,mutating=true,failurePolicy=fail,sideEffects=None,groups=materialize.cloud,resources=materializeenvironments,verbs=create;update,versions=v1alpha1,name=mmaterializeenvironment.kb.io,admissionReviewVersions=v1

var _ admission.CustomDefaulter = &MaterializeEnvironment{}

// Default implements admission.CustomDefaulter so a webhook will be registered for the type
func (r *MaterializeEnvironment) Default(ctx context.Context, obj runtime.Object) error {
	env, ok := obj.(*MaterializeEnvironment)
	if !ok {
		return fmt.Errorf("expected *MaterializeEnvironment, got %T", obj)
	}

	materializeenvironmentlog.Info("default", "name", env.Name)

	// An initial token means creation itself is the first rollout.
	if env.Spec.RequestRollout == "" {
		env.Spec.RequestRollout = uuid.NewString()
	}

	return nil
}

//+kubebuilder:webhook:path=/validate-materialize-cloud-v1alpha1-materializeenvironment,mutating=false,failurePolicy=fail,sideEffects=None,groups=materialize.cloud,resources=materializeenvironments,verbs=create;update,versions=v1alpha1,name=vmaterializeenvironment.kb.io,admissionReviewVersions=v1

var _ admission.CustomValidator = &MaterializeEnvironment{}

// ValidateCreate implements admission.CustomValidator so a webhook will be registered for the type
func (r *MaterializeEnvironment) ValidateCreate(ctx context.Context, obj runtime.Object) (admission.Warnings, error) {
	env, ok := obj.(*MaterializeEnvironment)
	if !ok {
		return nil, fmt.Errorf("expected *MaterializeEnvironment, got %T", obj)
	}

	materializeenvironmentlog.Info("validate create", "name", env.Name)
	return env.validateMaterializeEnvironment()
}

// ValidateUpdate implements admission.CustomValidator so a webhook will be registered for the type
func (r *MaterializeEnvironment) ValidateUpdate(ctx context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	env, ok := newObj.(*MaterializeEnvironment)
	if !ok {
		return nil, fmt.Errorf("expected *MaterializeEnvironment, got %T", newObj)
	}

	materializeenvironmentlog.Info("validate update", "name", env.Name)
	return env.validateMaterializeEnvironment()
}

// ValidateDelete implements admission.CustomValidator so a webhook will be registered for the type
func (r *MaterializeEnvironment) ValidateDelete(ctx context.Context, obj runtime.Object) (admission.Warnings, error) {
	env, ok := obj.(*MaterializeEnvironment)
	if !ok {
		return nil, fmt.Errorf("expected *MaterializeEnvironment, got %T", obj)
	}

	materializeenvironmentlog.Info("validate delete", "name", env.Name)

	// No validation needed for deletion; child objects are garbage-collected
	// through owner references.
	return nil, nil
}

// validateMaterializeEnvironment performs validation for MaterializeEnvironment.
// Rejection happens here, at admission time, before any child object exists.
func (r *MaterializeEnvironment) validateMaterializeEnvironment() (admission.Warnings, error) {
	var warnings admission.Warnings

	if err := r.Spec.ValidateSpec(); err != nil {
		return nil, fmt.Errorf("environment validation failed: %w", err)
	}

	if len(r.Spec.EnvironmentdExtraArgs) > 64 {
		warnings = append(warnings, "spec.environmentdExtraArgs is unusually long, consider reviewing the launch arguments")
	}

	return warnings, nil
}
