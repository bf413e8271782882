package extension

import "errors"

// Extension system errors.
var (
	// ErrExtensionNotFound is returned when an extension id is unknown.
	ErrExtensionNotFound = errors.New("extension not found")

	// ErrExtensionDisabled is returned when loading an extension whose
	// enabled flag is off.
	ErrExtensionDisabled = errors.New("extension is disabled")

	// ErrNoEntryPoint is returned when a descriptor resolves to no loadable
	// entry point.
	ErrNoEntryPoint = errors.New("extension has no entry point")

	// ErrNoInitializer is returned when a loaded module matches none of the
	// supported entry-point shapes.
	ErrNoInitializer = errors.New("could not initialize extension: no initializer export")

	// ErrStorageAlreadySet is returned on a second UseStorage registration.
	ErrStorageAlreadySet = errors.New("storage customization is already defined")

	// ErrDuplicateRuntime is returned when a runtime template key is
	// registered twice.
	ErrDuplicateRuntime = errors.New("runtime template key is already registered")

	// ErrNoWebServer is returned when web routes or middleware are
	// registered before a web server is attached.
	ErrNoWebServer = errors.New("no webserver attached to the extension loader")

	// ErrBundleNotFound is returned when a bundle id has no entry in an
	// extension's bundle list.
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrRuntimeNotAvailable is returned when no registered runtime template
	// matches a requested key.
	ErrRuntimeNotAvailable = errors.New("runtime not available")

	// ErrBuiltinDirNotSet is returned when the built-in extensions directory
	// is not configured at the point it is first needed.
	ErrBuiltinDirNotSet = errors.New("built-in extensions directory is not configured")

	// ErrRemoteDirNotSet is returned when the remote extensions directory is
	// not configured at the point it is first needed.
	ErrRemoteDirNotSet = errors.New("remote extensions directory is not configured")

	// ErrBuiltinImmutable is returned when removing a bundled extension.
	ErrBuiltinImmutable = errors.New("built-in extensions cannot be removed")
)
