package proxy

import "context"

type requestFlags struct {
	localOnly  bool
	remoteOnly bool
}

type flagsKey struct{}

func flagsFrom(ctx context.Context) requestFlags {
	if f, ok := ctx.Value(flagsKey{}).(requestFlags); ok {
		return f
	}
	return requestFlags{}
}

// LocalOnly 标记请求只读本地缓存，不访问远端。
func LocalOnly(ctx context.Context) context.Context {
	f := flagsFrom(ctx)
	f.localOnly = true
	return context.WithValue(ctx, flagsKey{}, f)
}

// RemoteOnly 标记请求跳过本地缓存，直接回源并刷新缓存。
func RemoteOnly(ctx context.Context) context.Context {
	f := flagsFrom(ctx)
	f.remoteOnly = true
	return context.WithValue(ctx, flagsKey{}, f)
}

// IsLocalOnly reports whether LocalOnly was applied to ctx.
func IsLocalOnly(ctx context.Context) bool { return flagsFrom(ctx).localOnly }

// IsRemoteOnly reports whether RemoteOnly was applied to ctx.
func IsRemoteOnly(ctx context.Context) bool { return flagsFrom(ctx).remoteOnly }
