// Package workspace gives every build job its own copy of the toolchain
// template plus a private output directory, so concurrent jobs never share a
// mutable source tree. The dependency cache is the only directory shared
// between jobs.
package workspace
