// Package calc turns a matched rule's calculation method and parameters into
// a signed point delta plus a computation trace.
//
// The method set is closed (ir.KnownMethods) and dispatched through a single
// switch in Dispatcher.Calculate. There is no runtime registration: adding a
// method means adding a case here and a constant in ir.
//
// All arithmetic is float64 and results are floored to int64 unless a method
// documents otherwise (percentage rounds half up, adjustment truncates).
//
// Custom formulas are checked against a character whitelist after variable
// substitution and then parsed by a small recursive-descent parser. The
// substituted text is never handed to an interpreter.
package calc
