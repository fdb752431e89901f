package ch

import "context"

// WriteOrDone は、v を c へ書き込むか ctx が終了するまでブロックします。書き込めた場合 true を返します。
func WriteOrDone[T any](ctx context.Context, v T, c chan<- T) bool {
	select {
	case c <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// TryWrite は、ブロックせずに v を c へ書き込みます。書き込めなかった場合 false を返します。
func TryWrite[T any](v T, c chan<- T) bool {
	select {
	case c <- v:
		return true
	default:
		return false
	}
}

func ReadOrDoneOne[T any](ctx context.Context, c <-chan T) (T, bool) {
	var t T
	select {
	case <-ctx.Done():
		return t, false
	case v, ok := <-c:
		if !ok {
			return t, false
		}
		return v, true
	}
}
