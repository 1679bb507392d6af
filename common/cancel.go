package common

// Cancel stops a previously armed transport timer (spec.md §6). It is
// shared between the transport façade and every core package that needs
// to cancel a timer it armed, so both sides agree on one concrete type
// instead of each declaring their own and forcing adapters at every
// wiring point.
type Cancel func()
