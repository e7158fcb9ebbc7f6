package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/cloud-control/brownout-rubis/pkg/agent"
	"github.com/cloud-control/brownout-rubis/pkg/publish"
	"github.com/cloud-control/brownout-rubis/pkg/transport"
)

func main() {
	cfg := agent.DefaultConfig()
	fs := pflag.CommandLine
	cfg.AddFlags(fs)

	var kubeconfig, configFile, configMap, configNamespace string
	fs.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig; empty uses the in-cluster config")
	fs.StringVar(&configFile, "config-file", "", "YAML file with controller settings")
	fs.StringVar(&configMap, "config-map", "", "ConfigMap with controller settings (empty disables)")
	fs.StringVar(&configNamespace, "config-namespace", agent.DefaultConfigNamespace, "Namespace of --config-map")

	klog.InitFlags(nil)
	fs.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var restConfig *rest.Config
	src := agent.ConfigSources{File: configFile, Flags: fs}
	if configMap != "" {
		restConfig = mustRestConfig(kubeconfig)
		k8sClient, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			klog.Fatalf("Failed to create Kubernetes client: %v", err)
		}
		src.Client = k8sClient
		src.ConfigMapNamespace = configNamespace
		src.ConfigMapName = configMap
	}
	if err := agent.LoadConfig(ctx, cfg, src); err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	clk := clock.RealClock{}

	source, err := transport.ListenUDP(cfg.LatencyAddress, cfg.NegotiationAddress, clk)
	if err != nil {
		klog.Fatalf("Failed to open datagram channels: %v", err)
	}
	defer source.Close()

	sender, err := source.Sender(cfg.RMAddress)
	if err != nil {
		klog.Fatalf("Failed to create resource manager sender: %v", err)
	}

	var publishers publish.Multi
	if cfg.ServiceLevelPath != "" {
		filePublisher := publish.NewFilePublisher(cfg.ServiceLevelPath)
		klog.InfoS("Publishing service level to file", "path", filePublisher.Path())
		publishers = append(publishers, filePublisher)
	}
	if cfg.ServiceLevelConfigMap != "" {
		if restConfig == nil {
			restConfig = mustRestConfig(kubeconfig)
		}
		cmPublisher, err := publish.NewConfigMapPublisher(restConfig, cfg.ServiceLevelNamespace, cfg.ServiceLevelConfigMap)
		if err != nil {
			klog.Fatalf("Failed to create ConfigMap publisher: %v", err)
		}
		publishers = append(publishers, cmPublisher)
	}

	health := agent.NewHealthServer(clk, cfg.ControlPeriod)
	opts := []agent.Option{agent.WithHealth(health)}
	if cfg.ReportCSV {
		opts = append(opts, agent.WithReport(os.Stdout))
	}
	if cfg.HealthPort > 0 {
		health.Start(cfg.HealthPort)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = health.Shutdown(shutdownCtx)
		}()
	}

	controller, err := agent.NewAgent(cfg, clk, source, sender, publishers, opts...)
	if err != nil {
		klog.Fatalf("Failed to create controller: %v", err)
	}

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		klog.Fatalf("Controller error: %v", err)
	}
}

func mustRestConfig(kubeconfig string) *rest.Config {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		klog.Fatalf("Failed to get Kubernetes config: %v", err)
	}
	return config
}
