package v1alpha1

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func validEnvironment() *MaterializeEnvironment {
	return &MaterializeEnvironment{
		ObjectMeta: metav1.ObjectMeta{Name: "acme", Namespace: "env-acme"},
		Spec: MaterializeEnvironmentSpec{
			EnvironmentdImageRef: "materialize/environmentd:v0.125.0",
			BackendConnection: BackendConnection{
				MetadataBackendURL: "postgres://mz:pw@pg.internal:5432/materialize",
				PersistBackendURL:  "s3://key:secret@mz-persist/acme",
			},
		},
	}
}

func TestDefaultSeedsRequestRollout(t *testing.T) {
	env := validEnvironment()
	require.NoError(t, env.Default(context.Background(), env))
	assert.NotEmpty(t, env.Spec.RequestRollout, "creation counts as the first rollout")

	// An explicitly chosen token is left alone.
	env = validEnvironment()
	env.Spec.RequestRollout = "user-chosen"
	require.NoError(t, env.Default(context.Background(), env))
	assert.Equal(t, "user-chosen", env.Spec.RequestRollout)
}

func TestValidateCreate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(env *MaterializeEnvironment)
		wantErr bool
	}{
		{
			name:   "valid spec",
			mutate: func(env *MaterializeEnvironment) {},
		},
		{
			name: "invalid image reference",
			mutate: func(env *MaterializeEnvironment) {
				env.Spec.EnvironmentdImageRef = "registry.example.com/Bad Image!!"
			},
			wantErr: true,
		},
		{
			name: "limits below requests",
			mutate: func(env *MaterializeEnvironment) {
				env.Spec.EnvironmentdResourceRequirements = corev1.ResourceRequirements{
					Requests: corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("4")},
					Limits:   corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("2")},
				}
			},
			wantErr: true,
		},
		{
			name: "limits equal to requests",
			mutate: func(env *MaterializeEnvironment) {
				env.Spec.BalancerdResourceRequirements = corev1.ResourceRequirements{
					Requests: corev1.ResourceList{corev1.ResourceMemory: resource.MustParse("2Gi")},
					Limits:   corev1.ResourceList{corev1.ResourceMemory: resource.MustParse("2Gi")},
				}
			},
		},
		{
			name: "limit without matching request",
			mutate: func(env *MaterializeEnvironment) {
				env.Spec.EnvironmentdResourceRequirements = corev1.ResourceRequirements{
					Limits: corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("2")},
				}
			},
		},
		{
			name: "missing metadata backend",
			mutate: func(env *MaterializeEnvironment) {
				env.Spec.BackendConnection.MetadataBackendURL = ""
			},
			wantErr: true,
		},
		{
			name: "missing persist backend",
			mutate: func(env *MaterializeEnvironment) {
				env.Spec.BackendConnection.PersistBackendURL = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvironment()
			tt.mutate(env)
			_, err := env.ValidateCreate(context.Background(), env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateUpdateUsesNewObject(t *testing.T) {
	oldEnv := validEnvironment()
	newEnv := validEnvironment()
	newEnv.Spec.EnvironmentdImageRef = ""

	_, err := newEnv.ValidateUpdate(context.Background(), oldEnv, newEnv)
	assert.Error(t, err)
}

func TestValidateWarnsOnExcessiveArgs(t *testing.T) {
	env := validEnvironment()
	for range 65 {
		env.Spec.EnvironmentdExtraArgs = append(env.Spec.EnvironmentdExtraArgs, "--flag")
	}
	warnings, err := env.ValidateCreate(context.Background(), env)
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
}

func TestValidateDelete(t *testing.T) {
	env := validEnvironment()
	warnings, err := env.ValidateDelete(context.Background(), env)
	assert.NoError(t, err)
	assert.Empty(t, warnings)
}
