package publish

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ServiceLevelKey is the ConfigMap data key holding the service level.
const ServiceLevelKey = "serviceLevel"

// ConfigMapPublisher mirrors the service level into a ConfigMap, for
// replicas that read it through the API server rather than a local file.
type ConfigMapPublisher struct {
	client    client.Client
	namespace string
	name      string
}

// NewConfigMapPublisher creates a publisher backed by a controller-runtime
// client for config.
func NewConfigMapPublisher(config *rest.Config, namespace, name string) (*ConfigMapPublisher, error) {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)

	c, err := client.New(config, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create controller-runtime client: %w", err)
	}
	return NewConfigMapPublisherWithClient(c, namespace, name), nil
}

// NewConfigMapPublisherWithClient creates a publisher using an existing client.
func NewConfigMapPublisherWithClient(c client.Client, namespace, name string) *ConfigMapPublisher {
	return &ConfigMapPublisher{
		client:    c,
		namespace: namespace,
		name:      name,
	}
}

// Publish implements Publisher. The ConfigMap is created on first use.
func (p *ConfigMapPublisher) Publish(ctx context.Context, serviceLevel float64) error {
	data := map[string]string{ServiceLevelKey: string(Format(serviceLevel))}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.name,
			Namespace: p.namespace,
		},
		Data: data,
	}

	existing := &corev1.ConfigMap{}
	err := p.client.Get(ctx, client.ObjectKeyFromObject(cm), existing)
	if apierrors.IsNotFound(err) {
		if err := p.client.Create(ctx, cm); err != nil {
			return fmt.Errorf("create configmap %s/%s: %w", p.namespace, p.name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get configmap %s/%s: %w", p.namespace, p.name, err)
	}

	if existing.Data == nil {
		existing.Data = map[string]string{}
	}
	existing.Data[ServiceLevelKey] = data[ServiceLevelKey]
	if err := p.client.Update(ctx, existing); err != nil {
		return fmt.Errorf("update configmap %s/%s: %w", p.namespace, p.name, err)
	}
	return nil
}
