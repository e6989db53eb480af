// Package facts resolves named values ("facts") for one event evaluation.
//
// A Registry maps fact names to functions. A Resolver is created per run,
// memoizes every resolved value (misses included) for that run only, and
// performs at most one consumer-profile read no matter how many
// profile-backed facts are requested. Nothing is cached across events.
//
// Facts named "context.<key>" and "attributes.<key>" read directly from the
// event maps without registration.
package facts
