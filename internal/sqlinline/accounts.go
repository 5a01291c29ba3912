package sqlinline

const QSelectAccountByID = `--sql 8d83d21a-d04b-436f-8683-619a1ba9db31
select id::text, email, plan, created_at
from accounts
where id = $1::uuid
limit 1;
`

const QUpdateAccountPlan = `--sql a6f95f60-6825-44ed-afb7-4166418cb09b
update accounts
set plan = $2::text
where id = $1::uuid;
`

const QInsertAccount = `--sql 4f0c7a52-9d3e-4b61-8a27-3e5c1d9b7f20
insert into accounts (id, email, plan)
values ($1::uuid, $2::text, $3::text);
`
