/*
Package errdefs defines the closed catalog of domain error kinds.

Every layer remaps I/O and database failures into one of these sentinels at
its boundary; only HTTP handlers translate them to status codes. Transport
errors outside the catalog surface as internal (500).
*/
package errdefs
