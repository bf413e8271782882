package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/extension/luaext"
)

// bindRegistration builds the composer table handed to a Lua extension's
// entry point. Each field delegates to the Registration handle; errors on
// the Go side are raised as Lua errors so a bad registration fails the
// whole load.
//
// Bound functions execute on the extension's own LState while the loader
// holds the environment lock, so they use the LState passed in by the VM
// directly. Callbacks captured here for later invocation (publish methods,
// web handlers, storage) go back in through Env.CallValue, which re-takes
// the lock.
func bindRegistration(env *luaext.Env, reg *Registration) *lua.LTable {
	L := env.State()
	t := L.NewTable()

	t.RawSetString("name", lua.LString(reg.Name()))
	t.RawSetString("description", lua.LString(reg.Description()))

	t.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		reg.log.Info(L.CheckString(1))
		return 0
	}))

	t.RawSetString("useStorage", L.NewFunction(func(L *lua.LState) int {
		provider := L.CheckTable(1)
		s := &luaStorage{
			env:       env,
			readFile:  luaext.TableFunc(provider, "readFile"),
			writeFile: luaext.TableFunc(provider, "writeFile"),
			list:      luaext.TableFunc(provider, "list"),
			delete:    luaext.TableFunc(provider, "delete"),
		}
		if err := reg.UseStorage(s); err != nil {
			L.RaiseError("useStorage: %s", err)
		}
		return 0
	}))

	t.RawSetString("addPublishMethod", L.NewFunction(func(L *lua.LState) int {
		spec := L.CheckTable(1)
		plugin, err := publishPluginFromLua(env, spec)
		if err != nil {
			L.RaiseError("addPublishMethod: %s", err)
		}
		reg.AddPublishMethod(plugin)
		return 0
	}))

	t.RawSetString("addRuntimeTemplate", L.NewFunction(func(L *lua.LState) int {
		spec := L.CheckTable(1)
		if err := reg.AddRuntimeTemplate(runtimeTemplateFromLua(env, spec)); err != nil {
			L.RaiseError("addRuntimeTemplate: %s", err)
		}
		return 0
	}))

	t.RawSetString("addBotTemplate", L.NewFunction(func(L *lua.LState) int {
		reg.AddBotTemplate(botTemplateFromLua(L.CheckTable(1)))
		return 0
	}))

	t.RawSetString("addBaseTemplate", L.NewFunction(func(L *lua.LState) int {
		reg.AddBaseTemplate(botTemplateFromLua(L.CheckTable(1)))
		return 0
	}))

	t.RawSetString("addWebRoute", L.NewFunction(func(L *lua.LState) int {
		method := L.CheckString(1)
		path := L.CheckString(2)
		fn := L.CheckFunction(3)
		handler := luaHandler(env, fn, reg.log)
		if err := reg.AddWebRoute(method, path, handler); err != nil {
			L.RaiseError("addWebRoute: %s", err)
		}
		return 0
	}))

	t.RawSetString("addWebMiddleware", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		if err := reg.AddWebMiddleware(luaMiddleware(env, fn, reg.log)); err != nil {
			L.RaiseError("addWebMiddleware: %s", err)
		}
		return 0
	}))

	t.RawSetString("useAuthStrategy", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		reg.UseAuthStrategy(&luaStrategy{env: env, authenticate: fn})
		return 0
	}))

	t.RawSetString("addAllowedUrl", L.NewFunction(func(L *lua.LState) int {
		reg.AddAllowedURL(L.CheckString(1))
		return 0
	}))

	return t
}

// publishPluginFromLua translates a Lua publish spec table into a
// PublishPlugin whose function fields call back into the extension's
// environment.
func publishPluginFromLua(env *luaext.Env, spec *lua.LTable) (PublishPlugin, error) {
	publishFn := luaext.TableFunc(spec, "publish")
	if publishFn == nil {
		return PublishPlugin{}, fmt.Errorf("publish function is required")
	}

	plugin := PublishPlugin{
		Instructions:      luaext.TableString(spec, "instructions"),
		HasView:           luaext.TableBool(spec, "hasView"),
		CustomName:        luaext.TableString(spec, "name"),
		CustomDescription: luaext.TableString(spec, "description"),
	}

	if schema := spec.RawGetString("schema"); schema != lua.LNil {
		data, err := json.Marshal(luaext.ToGo(schema))
		if err != nil {
			return PublishPlugin{}, fmt.Errorf("schema is not serializable: %w", err)
		}
		plugin.Schema = data
	}

	plugin.Publish = func(_ context.Context, projectID string, config map[string]any) (*PublishResponse, error) {
		results, err := env.Call(publishFn, projectID, anyMap(config))
		if err != nil {
			return nil, err
		}
		return publishResponseFromLua(results)
	}

	if fn := luaext.TableFunc(spec, "getStatus"); fn != nil {
		plugin.GetStatus = func(_ context.Context, projectID string) (*PublishResponse, error) {
			results, err := env.Call(fn, projectID)
			if err != nil {
				return nil, err
			}
			return publishResponseFromLua(results)
		}
	}

	if fn := luaext.TableFunc(spec, "getHistory"); fn != nil {
		plugin.GetHistory = func(_ context.Context, projectID string) ([]PublishResponse, error) {
			results, err := env.Call(fn, projectID)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 || results[0] == lua.LNil {
				return nil, nil
			}
			items, _ := luaext.ToGo(results[0]).([]any)
			history := make([]PublishResponse, 0, len(items))
			for _, item := range items {
				if m, ok := item.(map[string]any); ok {
					history = append(history, *responseFromMap(m))
				}
			}
			return history, nil
		}
	}

	if fn := luaext.TableFunc(spec, "rollback"); fn != nil {
		plugin.Rollback = func(_ context.Context, projectID, version string) (*PublishResponse, error) {
			results, err := env.Call(fn, projectID, version)
			if err != nil {
				return nil, err
			}
			return publishResponseFromLua(results)
		}
	}

	return plugin, nil
}

// publishResponseFromLua interprets a Lua callback's results under the
// value-or-nil-plus-message convention.
func publishResponseFromLua(results []lua.LValue) (*PublishResponse, error) {
	if len(results) == 0 || results[0] == lua.LNil {
		if len(results) > 1 && results[1] != lua.LNil {
			return nil, fmt.Errorf("%s", results[1].String())
		}
		return nil, fmt.Errorf("publish callback returned no result")
	}
	m, ok := luaext.ToGo(results[0]).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("publish callback returned %s, want table", results[0].Type())
	}
	return responseFromMap(m), nil
}

func responseFromMap(m map[string]any) *PublishResponse {
	resp := &PublishResponse{
		Message: stringField(m, "message"),
		Log:     stringField(m, "log"),
		Comment: stringField(m, "comment"),
		ID:      stringField(m, "id"),
	}
	if n, ok := m["status"].(int64); ok {
		resp.Status = int(n)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	return resp
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// runtimeTemplateFromLua translates a Lua runtime spec. Optional lifecycle
// functions are bridged; absent fields leave the corresponding Go field
// nil, same as a native registration.
func runtimeTemplateFromLua(env *luaext.Env, spec *lua.LTable) RuntimeTemplate {
	t := RuntimeTemplate{
		Key:          luaext.TableString(spec, "key"),
		Name:         luaext.TableString(spec, "name"),
		StartCommand: luaext.TableString(spec, "startCommand"),
		Path:         luaext.TableString(spec, "path"),
	}

	if fn := luaext.TableFunc(spec, "eject"); fn != nil {
		t.Eject = func(_ context.Context, project *BotProject, dst string) (string, error) {
			results, err := env.Call(fn, projectArg(project), dst)
			if err != nil {
				return "", err
			}
			return firstString(results)
		}
	}
	if fn := luaext.TableFunc(spec, "build"); fn != nil {
		t.Build = func(_ context.Context, project *BotProject) error {
			_, err := env.Call(fn, projectArg(project))
			return err
		}
	}
	if fn := luaext.TableFunc(spec, "run"); fn != nil {
		t.Run = func(_ context.Context, project *BotProject) error {
			_, err := env.Call(fn, projectArg(project))
			return err
		}
	}
	if fn := luaext.TableFunc(spec, "buildDeploy"); fn != nil {
		t.BuildDeploy = func(_ context.Context, project *BotProject, settings map[string]any) (string, error) {
			results, err := env.Call(fn, projectArg(project), anyMap(settings))
			if err != nil {
				return "", err
			}
			return firstString(results)
		}
	}
	if fn := luaext.TableFunc(spec, "setSkillManifest"); fn != nil {
		t.SetSkillManifest = func(_ context.Context, dstDir, srcDir string) error {
			results, err := env.Call(fn, dstDir, srcDir)
			if err != nil {
				return err
			}
			return errFromResults(results)
		}
	}
	return t
}

// projectArg flattens a project for the Lua side; nil stays nil.
func projectArg(project *BotProject) any {
	if project == nil {
		return nil
	}
	return map[string]any{
		"id":         project.ID,
		"name":       project.Name,
		"dir":        project.Dir,
		"runtimeKey": project.RuntimeKey,
	}
}

func firstString(results []lua.LValue) (string, error) {
	if len(results) == 0 || results[0] == lua.LNil {
		if len(results) > 1 && results[1] != lua.LNil {
			return "", fmt.Errorf("%s", results[1].String())
		}
		return "", nil
	}
	return results[0].String(), nil
}

func botTemplateFromLua(spec *lua.LTable) BotTemplate {
	t := BotTemplate{
		ID:          luaext.TableString(spec, "id"),
		Name:        luaext.TableString(spec, "name"),
		Description: luaext.TableString(spec, "description"),
		Path:        luaext.TableString(spec, "path"),
	}
	if items, ok := luaext.ToGo(spec.RawGetString("tags")).([]any); ok {
		for _, item := range items {
			if s, ok := item.(string); ok {
				t.Tags = append(t.Tags, s)
			}
		}
	}
	if items, ok := luaext.ToGo(spec.RawGetString("runtimes")).([]any); ok {
		for _, item := range items {
			if s, ok := item.(string); ok {
				t.Runtimes = append(t.Runtimes, s)
			}
		}
	}
	return t
}

// luaHandler wraps a Lua web handler. The handler receives a request table
// and returns a response table ({status, headers, body}); a nil return
// writes nothing so the next handler in the chain runs.
func luaHandler(env *luaext.Env, fn *lua.LFunction, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := env.Call(fn, requestArg(r))
		if err != nil {
			log.Error("lua web handler failed", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if len(results) == 0 || results[0] == lua.LNil {
			return
		}
		writeLuaResponse(w, results[0], log)
	}
}

// luaMiddleware wraps a Lua middleware function. Returning a response table
// short-circuits the request; returning nil passes it through.
func luaMiddleware(env *luaext.Env, fn *lua.LFunction, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			results, err := env.Call(fn, requestArg(r))
			if err != nil {
				log.Error("lua middleware failed", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if len(results) > 0 && results[0] != lua.LNil {
				writeLuaResponse(w, results[0], log)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// luaStrategy adapts a Lua authenticate function to the web.Strategy
// contract. The function returns a user table on success, or nil plus a
// message on failure.
type luaStrategy struct {
	env          *luaext.Env
	authenticate *lua.LFunction
}

func (s *luaStrategy) Authenticate(r *http.Request) (any, error) {
	results, err := s.env.Call(s.authenticate, requestArg(r))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0] == lua.LNil {
		if len(results) > 1 && results[1] != lua.LNil {
			return nil, fmt.Errorf("%s", results[1].String())
		}
		return nil, fmt.Errorf("authentication rejected")
	}
	return luaext.ToGo(results[0]), nil
}

// luaStorage adapts a table of Lua file operations to the StorageProvider
// contract. Each function follows the value-or-nil-plus-message convention.
type luaStorage struct {
	env       *luaext.Env
	readFile  *lua.LFunction
	writeFile *lua.LFunction
	list      *lua.LFunction
	delete    *lua.LFunction
}

func (s *luaStorage) ReadFile(_ context.Context, path string) ([]byte, error) {
	if s.readFile == nil {
		return nil, fmt.Errorf("storage provider does not implement readFile")
	}
	results, err := s.env.Call(s.readFile, path)
	if err != nil {
		return nil, err
	}
	content, err := firstString(results)
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

func (s *luaStorage) WriteFile(_ context.Context, path string, data []byte) error {
	if s.writeFile == nil {
		return fmt.Errorf("storage provider does not implement writeFile")
	}
	results, err := s.env.Call(s.writeFile, path, string(data))
	if err != nil {
		return err
	}
	return errFromResults(results)
}

func (s *luaStorage) List(_ context.Context, dir string) ([]string, error) {
	if s.list == nil {
		return nil, fmt.Errorf("storage provider does not implement list")
	}
	results, err := s.env.Call(s.list, dir)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0] == lua.LNil {
		return nil, errFromResults(results)
	}
	items, _ := luaext.ToGo(results[0]).([]any)
	names := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

func (s *luaStorage) Delete(_ context.Context, path string) error {
	if s.delete == nil {
		return fmt.Errorf("storage provider does not implement delete")
	}
	results, err := s.env.Call(s.delete, path)
	if err != nil {
		return err
	}
	return errFromResults(results)
}

// errFromResults treats a trailing non-nil value as an error message.
func errFromResults(results []lua.LValue) error {
	for _, v := range results {
		if s, ok := v.(lua.LString); ok && s != "" {
			return fmt.Errorf("%s", string(s))
		}
	}
	return nil
}

// requestArg projects the request fields a Lua handler can use. Header and
// query values are flattened to their first occurrence.
func requestArg(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	query := make(map[string]any)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	var body string
	if r.Body != nil {
		if data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)); err == nil {
			body = string(data)
		}
	}

	return map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"query":   query,
		"headers": headers,
		"body":    body,
	}
}

// writeLuaResponse applies a handler's response table to the writer.
func writeLuaResponse(w http.ResponseWriter, v lua.LValue, log *zap.Logger) {
	m, ok := luaext.ToGo(v).(map[string]any)
	if !ok {
		log.Error("lua handler returned non-table response", zap.String("type", v.Type().String()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if headers, ok := m["headers"].(map[string]any); ok {
		for k, hv := range headers {
			if s, ok := hv.(string); ok {
				w.Header().Set(k, s)
			}
		}
	}

	status := http.StatusOK
	if n, ok := m["status"].(int64); ok {
		status = int(n)
	}
	w.WriteHeader(status)

	if body, ok := m["body"].(string); ok && body != "" {
		_, _ = w.Write([]byte(body))
	}
}
