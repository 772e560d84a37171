package translator

import (
	"context"
	"strconv"
	"strings"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// BizTranslator names bk_biz_id.
type BizTranslator struct{ Meta MetaProvider }

func (BizTranslator) Name() string { return "biz" }

func (t *BizTranslator) Translate(ctx context.Context, _ *model.Strategy, in Fields) Fields {
	out := in.clone()
	f, ok := out["bk_biz_id"]
	if !ok {
		return out
	}
	out.setKey("bk_biz_id", "业务")
	id, err := strconv.ParseInt(f.Value, 10, 64)
	if err != nil {
		return out
	}
	name, found, err := t.Meta.BizName(ctx, id)
	if err != nil {
		logMetaErr(t.Name(), "bk_biz_id", err)
		return out
	}
	if found {
		out.setName("bk_biz_id", "["+f.Value+"] "+name)
	}
	return out
}

var hostKeys = []string{"bk_target_ip", "ip", "bk_host_ip"}

// HostTranslator names target ips with the cmdb host name.
type HostTranslator struct{ Meta MetaProvider }

func (HostTranslator) Name() string { return "host" }

func (t *HostTranslator) Translate(ctx context.Context, _ *model.Strategy, in Fields) Fields {
	out := in.clone()
	for _, key := range hostKeys {
		f, ok := out[key]
		if !ok {
			continue
		}
		out.setKey(key, "目标IP")
		h, found, err := t.Meta.Host(ctx, f.Value)
		if err != nil {
			logMetaErr(t.Name(), key, err)
			continue
		}
		if found && h.Hostname != "" {
			out.setName(key, f.Value+"("+h.Hostname+")")
		}
	}
	return out
}

// KubernetesTranslator names bcs cluster ids.
type KubernetesTranslator struct{ Meta MetaProvider }

func (KubernetesTranslator) Name() string { return "kubernetes" }

func (t *KubernetesTranslator) Translate(ctx context.Context, _ *model.Strategy, in Fields) Fields {
	out := in.clone()
	f, ok := out["bcs_cluster_id"]
	if !ok {
		return out
	}
	out.setKey("bcs_cluster_id", "集群")
	name, found, err := t.Meta.ClusterName(ctx, f.Value)
	if err != nil {
		logMetaErr(t.Name(), "bcs_cluster_id", err)
		return out
	}
	if found {
		out.setName("bcs_cluster_id", f.Value+"("+name+")")
	}
	return out
}

var apmLabels = map[string]string{
	"service_name":     "服务",
	"app_name":         "应用",
	"span_name":        "接口",
	"kind":             "类型",
	"http.status_code": "HTTP状态码",
	"rpc.method":       "RPC方法",
}

// APMTranslator names APM tag keys, consulting the provider for custom tags.
type APMTranslator struct{ Meta MetaProvider }

func (APMTranslator) Name() string { return "apm" }

func (t *APMTranslator) Translate(ctx context.Context, _ *model.Strategy, in Fields) Fields {
	out := in.clone()
	for key := range in {
		tag := strings.TrimPrefix(key, "tags.")
		if label, ok := apmLabels[tag]; ok {
			out.setKey(key, label)
			continue
		}
		if tag == key {
			continue
		}
		label, found, err := t.Meta.APMLabel(ctx, tag)
		if err != nil {
			logMetaErr(t.Name(), key, err)
			continue
		}
		if found {
			out.setKey(key, label)
		}
	}
	return out
}

var signalNames = map[int]string{
	1: "SIGHUP", 2: "SIGINT", 3: "SIGQUIT", 4: "SIGILL", 5: "SIGTRAP", 6: "SIGABRT", 7: "SIGBUS",
	8: "SIGFPE", 9: "SIGKILL", 10: "SIGUSR1", 11: "SIGSEGV", 12: "SIGUSR2", 13: "SIGPIPE",
	14: "SIGALRM", 15: "SIGTERM", 24: "SIGXCPU", 25: "SIGXFSZ", 31: "SIGSYS",
}

// SignalName returns the conventional name of a linux signal number.
func SignalName(n int) (string, bool) {
	s, ok := signalNames[n]
	return s, ok
}

// CorefileTranslator names core dump dimensions.
type CorefileTranslator struct{}

func (CorefileTranslator) Name() string { return "corefile" }

func (CorefileTranslator) Translate(_ context.Context, _ *model.Strategy, in Fields) Fields {
	out := in.clone()
	out.setKey("executable_path", "进程路径")
	out.setKey("executable", "可执行文件")
	if f, ok := out["signal"]; ok {
		out.setKey("signal", "异常信号")
		if n, err := strconv.Atoi(f.Value); err == nil {
			if name, ok := SignalName(n); ok {
				out.setName("signal", name)
			}
		}
	}
	return out
}
