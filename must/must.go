// Package must simplifies package-level initialization that cannot fail at
// runtime.
package must

// Do panics if err is not nil, otherwise returns t. It is useful in
// wrapping a two-value function call whose inputs are fixed at compile
// time, so the call is known statically to succeed.
//
// Example:
//
// url := must.Do(url.Parse("http://example.com"))
func Do[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}
