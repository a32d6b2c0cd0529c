package kube

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Custom resources managed through the dynamic client.
var (
	IngressRouteGVR = schema.GroupVersionResource{Group: "traefik.io", Version: "v1alpha1", Resource: "ingressroutes"}
	MiddlewareGVR   = schema.GroupVersionResource{Group: "traefik.io", Version: "v1alpha1", Resource: "middlewares"}
	PostgresGVR     = schema.GroupVersionResource{Group: "postgresql.cnpg.io", Version: "v1", Resource: "clusters"}
)

// CustomListKinds maps the custom resources to their list kinds, as needed
// by the fake dynamic client.
var CustomListKinds = map[schema.GroupVersionResource]string{
	IngressRouteGVR: "IngressRouteList",
	MiddlewareGVR:   "MiddlewareList",
	PostgresGVR:     "ClusterList",
}

// Route describes one host rule of an IngressRoute.
type Route struct {
	Host        string
	Service     string
	Port        int32
	Middlewares []string
}

// IngressRoute builds a Traefik IngressRoute serving routes over TLS.
func IngressRoute(namespace, name string, labels map[string]string, entryPoint, certResolver string, routes []Route) *unstructured.Unstructured {
	items := make([]interface{}, 0, len(routes))
	for _, r := range routes {
		route := map[string]interface{}{
			"kind":  "Rule",
			"match": fmt.Sprintf("Host(`%s`)", r.Host),
			"services": []interface{}{
				map[string]interface{}{"name": r.Service, "port": int64(r.Port)},
			},
		}
		if len(r.Middlewares) > 0 {
			mws := make([]interface{}, 0, len(r.Middlewares))
			for _, m := range r.Middlewares {
				mws = append(mws, map[string]interface{}{"name": m})
			}
			route["middlewares"] = mws
		}
		items = append(items, route)
	}

	spec := map[string]interface{}{
		"entryPoints": []interface{}{entryPoint},
		"routes":      items,
	}
	if certResolver != "" {
		spec["tls"] = map[string]interface{}{"certResolver": certResolver}
	}
	return customObject("traefik.io/v1alpha1", "IngressRoute", namespace, name, labels, spec)
}

// IPAllowList builds a Traefik Middleware admitting only the given source ranges.
func IPAllowList(namespace, name string, labels map[string]string, sourceRanges []string) *unstructured.Unstructured {
	ranges := make([]interface{}, 0, len(sourceRanges))
	for _, r := range sourceRanges {
		ranges = append(ranges, r)
	}
	spec := map[string]interface{}{
		"ipAllowList": map[string]interface{}{"sourceRange": ranges},
	}
	return customObject("traefik.io/v1alpha1", "Middleware", namespace, name, labels, spec)
}

// PostgresCluster builds a CloudNativePG Cluster.
func PostgresCluster(namespace, name string, labels map[string]string, image string, instances int64, storageSize, storageClass string) *unstructured.Unstructured {
	storage := map[string]interface{}{"size": storageSize}
	if storageClass != "" {
		storage["storageClass"] = storageClass
	}
	spec := map[string]interface{}{
		"instances": instances,
		"storage":   storage,
	}
	if image != "" {
		spec["imageName"] = image
	}
	return customObject("postgresql.cnpg.io/v1", "Cluster", namespace, name, labels, spec)
}

func customObject(apiVersion, kind, namespace, name string, labels map[string]string, spec map[string]interface{}) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": apiVersion,
		"kind":       kind,
		"spec":       spec,
	}}
	obj.SetNamespace(namespace)
	obj.SetName(name)
	obj.SetLabels(labels)
	return obj
}
